package pmi

import (
	"encoding/binary"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Credentials are the job-scoped secrets used verbatim when creating a
// communication domain.
type Credentials struct {
	Ptag   uint8
	Cookie uint32
}

// CredentialProvider supplies job credentials.
type CredentialProvider interface {
	Credentials() (Credentials, error)
}

// Protection tags below minUserPtag are reserved for system services.
const minUserPtag = 2

// DeriveCredentials maps a job id to a stable protection tag and cookie.
func DeriveCredentials(id uuid.UUID) Credentials {
	sum := blake2b.Sum256(id[:])
	return Credentials{
		Ptag:   minUserPtag + sum[0]%(255-minUserPtag),
		Cookie: binary.LittleEndian.Uint32(sum[1:5]),
	}
}
