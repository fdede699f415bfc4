// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"filippo.io/age"

	"github.com/gatehouse-dev/gatehouse/approval"
)

// ErrNotApproved is returned by Use when no matching secret.use
// decision covers the request.
var ErrNotApproved = errors.New("secret use not approved")

// ErrUnknownSecret is returned when the bundle has no entry for the
// requested name.
var ErrUnknownSecret = errors.New("unknown secret")

// Bundle maps secret names to values. The serialized form is JSON,
// encrypted with age and base64-encoded for storage.
type Bundle map[string]string

// GenerateKeypair returns a fresh age x25519 keypair. The private key
// goes straight into a protected buffer; the public key string is
// safe to store anywhere.
func GenerateKeypair() (privateKey *Buffer, publicKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, "", fmt.Errorf("generating age keypair: %w", err)
	}
	privateKey, err = FromBytes([]byte(identity.String()))
	if err != nil {
		return nil, "", fmt.Errorf("protecting private key: %w", err)
	}
	return privateKey, identity.Recipient().String(), nil
}

// Seal encrypts the bundle to the recipient public keys and returns
// base64 ciphertext.
func Seal(bundle Bundle, recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("encoding bundle: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("encrypting bundle: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// open decrypts base64 ciphertext with the private key and decodes
// the bundle. The intermediate plaintext is zeroed before returning.
func open(ciphertext string, privateKey *Buffer) (Bundle, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting bundle: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted bundle: %w", err)
	}
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()

	var bundle Bundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	return bundle, nil
}

// Vault gates access to an encrypted secret bundle on approved
// secret.use decisions. The bundle stays encrypted at rest; each Use
// decrypts it, extracts one value, and discards the rest.
type Vault struct {
	path       string
	privateKey *Buffer
	approvals  *approval.Store
	logger     *slog.Logger
}

// NewVault returns a Vault reading the sealed bundle from path. The
// private key is borrowed, not owned: the caller closes it.
func NewVault(path string, privateKey *Buffer, approvals *approval.Store, logger *slog.Logger) *Vault {
	return &Vault{path: path, privateKey: privateKey, approvals: approvals, logger: logger}
}

// Use returns the named secret for a sandbox, provided a secret.use
// decision matching {"secret": name} covers it. The approval check
// consumes once-scoped decisions, so a once grant is good for exactly
// one Use.
func (v *Vault) Use(sandboxID, name string) (*Buffer, error) {
	if !v.approvals.IsApproved(sandboxID, approval.TypeSecretUse, map[string]string{"secret": name}) {
		v.logger.Warn("secret use rejected", "sandbox_id", sandboxID, "secret", name)
		return nil, fmt.Errorf("secret %q for sandbox %s: %w", name, sandboxID, ErrNotApproved)
	}

	ciphertext, err := os.ReadFile(v.path)
	if err != nil {
		return nil, fmt.Errorf("reading sealed bundle: %w", err)
	}
	bundle, err := open(string(ciphertext), v.privateKey)
	if err != nil {
		return nil, err
	}

	value, ok := bundle[name]
	if !ok {
		return nil, fmt.Errorf("secret %q: %w", name, ErrUnknownSecret)
	}
	buffer, err := FromBytes([]byte(value))
	if err != nil {
		return nil, err
	}

	v.logger.Info("secret released", "sandbox_id", sandboxID, "secret", name)
	return buffer, nil
}
