// This package defines the random 16 byte id used to tag gateway connections.
package ids

import (
	crypto_rand "crypto/rand"
	"encoding/hex"
	"io"
)

type ID [16]byte

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}
