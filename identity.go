package pqls

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/genexlance/postquantumlattice-sub000/persist"
)

// siteIDLength is the fixed hex length of an installation identity.
const siteIDLength = 16

// GetOrCreateSiteID returns the installation identity, deriving and
// persisting it on first use. The identity mixes the installation origin,
// the store type, random bytes and the creation instant, hashed and
// truncated to a fixed length. Once written it is never regenerated.
func GetOrCreateSiteID(store persist.Store, origin string) (string, error) {
	vd, err := store.LoadSiteIdentity()
	if err == nil {
		id := string(vd.Data)
		if len(id) != siteIDLength {
			return "", fmt.Errorf("persisted site identity has unexpected length %d", len(id))
		}
		return id, nil
	}
	if !errors.Is(err, persist.ErrNotFound) {
		return "", fmt.Errorf("failed to load site identity: %w", err)
	}

	id, err := deriveSiteID(origin, store.GetType())
	if err != nil {
		return "", err
	}
	if err := store.SaveSiteIdentity([]byte(id)); err != nil {
		return "", fmt.Errorf("failed to persist site identity: %w", err)
	}
	return id, nil
}

func deriveSiteID(origin, storeType string) (string, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("failed to gather identity entropy: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(origin))
	h.Write([]byte{0})
	h.Write([]byte(storeType))
	h.Write([]byte{0})
	h.Write(entropy)
	fmt.Fprintf(h, "%d", time.Now().UnixNano())

	return hex.EncodeToString(h.Sum(nil))[:siteIDLength], nil
}
