// Package id provides the unique identifier generators used for event ids and
// subscription ids.
package id

import (
	"github.com/google/uuid"
	"github.com/nats-io/nuid"
)

var (
	// UUID generates random (version 4) UUIDs. Event ids default to this.
	UUID ID = &uuidGen{}
	// NUID generates NATS unique ids. Subscription and session ids use this.
	NUID ID = &nuidGen{}
)

// ID is an interface for generating unique random identifiers.
type ID interface {
	New() string
}

// uuidGen implements ID to generate UUIDs.
type uuidGen struct{}

func (i *uuidGen) New() string {
	return uuid.New().String()
}

// nuidGen implements ID to generate NUIDs.
type nuidGen struct{}

func (i *nuidGen) New() string {
	return nuid.Next()
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
