// Package identity assigns the stable record identifier shared by the blob
// store, the vector index and the metadata store.
package identity

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// DefaultNamespace scopes identifiers produced by this module.
var DefaultNamespace = uuid.MustParse("6f1c8f43-7f3a-5b8e-9d0c-2b4f8a51e6d2")

// Assigner derives identifiers from the lineage of an upload event
// (bucket + full object name) as a name-based UUID. The object generation
// is a version token: redelivery of the same generation and re-uploads of
// the same object map to the same id, while equal base file names in
// different paths or buckets never collide.
type Assigner struct {
	namespace uuid.UUID
}

func New(namespace uuid.UUID) *Assigner {
	if namespace == uuid.Nil {
		namespace = DefaultNamespace
	}
	return &Assigner{namespace: namespace}
}

// Assign returns the identifier for the logical image behind ev.
func (a *Assigner) Assign(ev core.UploadEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	return uuid.NewSHA1(a.namespace, []byte(ev.Lineage())).String(), nil
}

// Verify checks that id is the identifier Assign would produce for ev.
// A mismatch means a caller bypassed the assigner.
func (a *Assigner) Verify(id string, ev core.UploadEvent) error {
	want, err := a.Assign(ev)
	if err != nil {
		return err
	}
	if id != want {
		return fmt.Errorf("%w: id %s was not assigned to %s", core.ErrIdentityConflict, id, ev.Lineage())
	}
	return nil
}
