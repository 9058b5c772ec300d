package eventide

// Validator can be optionally implemented by user-defined types and is called
// by Client.NewEvent before the value is encoded.
type Validator interface {
	Validate() error
}
