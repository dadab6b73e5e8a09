package registry

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService namespaces drivesync entries in the OS credential store.
const keyringService = "drivesync"

// ErrNoCredential indicates no stored credential for a drive.
var ErrNoCredential = errors.New("no credential stored")

// CredentialStore reads and writes per-drive API credentials. Secrets live
// in the OS keychain, never in the registry file.
type CredentialStore interface {
	Set(driveID, secret string) error
	Get(driveID string) (string, error)
	Delete(driveID string) error
}

// KeyringStore is the default CredentialStore backed by the OS keychain.
type KeyringStore struct{}

var _ CredentialStore = KeyringStore{}

// Set stores a drive's credential.
func (KeyringStore) Set(driveID, secret string) error {
	if err := keyring.Set(keyringService, driveID, secret); err != nil {
		return fmt.Errorf("storing credential for drive %s: %w", driveID, err)
	}

	return nil
}

// Get returns the credential for a drive, or ErrNoCredential if absent.
func (KeyringStore) Get(driveID string) (string, error) {
	secret, err := keyring.Get(keyringService, driveID)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("drive %s: %w", driveID, ErrNoCredential)
	}

	if err != nil {
		return "", fmt.Errorf("reading credential for drive %s: %w", driveID, err)
	}

	return secret, nil
}

// Delete removes a drive's credential. Deleting a missing credential is
// not an error.
func (KeyringStore) Delete(driveID string) error {
	err := keyring.Delete(keyringService, driveID)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting credential for drive %s: %w", driveID, err)
	}

	return nil
}
