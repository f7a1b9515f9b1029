package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/99designs/keyring"
)

const passphraseItem = "keystore-passphrase"

// PassphraseFromKeyring returns the store passphrase held in the OS keychain
// (Secret Service, macOS Keychain, Windows Credential Manager, KWallet, or
// an encrypted file fallback), generating and saving a random one on first
// use. Deployments that manage the passphrase themselves (env or Vault) skip
// this and pass it to Open directly.
func PassphraseFromKeyring(appName string) (string, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:             appName,
		KeychainName:            appName,
		KWalletAppID:            appName,
		KWalletFolder:           appName,
		WinCredPrefix:           appName,
		LibSecretCollectionName: appName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.KWalletBackend,
			keyring.FileBackend,
		},
	})
	if err != nil {
		return "", fmt.Errorf("open keyring: %w", err)
	}

	item, err := ring.Get(passphraseItem)
	if err == nil {
		return string(item.Data), nil
	}
	if err != keyring.ErrKeyNotFound {
		return "", fmt.Errorf("keyring get: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate passphrase: %w", err)
	}
	passphrase := base64.RawStdEncoding.EncodeToString(raw)
	if err := ring.Set(keyring.Item{Key: passphraseItem, Data: []byte(passphrase)}); err != nil {
		return "", fmt.Errorf("keyring set: %w", err)
	}
	return passphrase, nil
}
