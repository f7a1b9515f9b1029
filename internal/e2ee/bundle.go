package e2ee

// Wire types shared by the transport client, the session manager, and the
// dev key server. All key material is lowercase hex.

// SignedPreKeyPublic is the public half of a signed prekey plus its
// Ed25519 signature by the owner's identity signing key.
type SignedPreKeyPublic struct {
	KeyID     uint32 `json:"key_id"`
	Public    string `json:"public"`
	Signature string `json:"signature"`
}

// OneTimePreKeyPublic is the public half of a one-time prekey.
type OneTimePreKeyPublic struct {
	KeyID  uint32 `json:"key_id"`
	Public string `json:"public"`
}

// PreKeyBundle is what an initiator fetches for a peer. The server pops at
// most one one-time prekey per fetch; OneTimePreKey is nil when the peer's
// supply is exhausted.
type PreKeyBundle struct {
	IdentityKey   string               `json:"identity_key"`
	SigningKey    string               `json:"signing_key"`
	SignedPreKey  SignedPreKeyPublic   `json:"signed_prekey"`
	OneTimePreKey *OneTimePreKeyPublic `json:"one_time_prekey,omitempty"`
}

// PreKeyUpload is the staged material pushed to the server. SignedPreKey is
// nil when the current one is already uploaded.
type PreKeyUpload struct {
	IdentityKey    string                `json:"identity_key"`
	SigningKey     string                `json:"signing_key"`
	SignedPreKey   *SignedPreKeyPublic   `json:"signed_prekey,omitempty"`
	OneTimePreKeys []OneTimePreKeyPublic `json:"one_time_prekeys"`
}

// Empty reports whether the upload carries no new material.
func (u *PreKeyUpload) Empty() bool {
	return u == nil || (u.SignedPreKey == nil && len(u.OneTimePreKeys) == 0)
}

// PreKeyStatus is the server's view of a user's bundle health, polled by the
// replenishment loop.
type PreKeyStatus struct {
	OneTimePreKeyCount int    `json:"one_time_prekey_count"`
	SignedPreKeyID     uint32 `json:"signed_prekey_key_id"`
	// SignedPreKeyCreatedAt is epoch milliseconds; nil when the server has
	// no signed prekey on record.
	SignedPreKeyCreatedAt *int64 `json:"signed_prekey_created_at"`
}
