package relayclient

import "context"

// PairingSession mirrors §3's Pairing session entity as seen over the
// wire.
type PairingSession struct {
	PairingID       string `json:"pairingId"`
	IssuerDeviceID  string `json:"issuerDeviceId"`
	ClaimerDeviceID string `json:"claimerDeviceId,omitempty"`
	IssuerPubKey    string `json:"issuerPubKey,omitempty"`
	ClaimerPubKey   string `json:"claimerPubKey,omitempty"`
	SASProof        string `json:"sasProof,omitempty"`
	State           string `json:"state"`
}

// Issuer side.

func (c *Client) CreatePairing(ctx context.Context, codeHash, issuerPubKey string) (PairingSession, error) {
	var out PairingSession
	err := c.do(ctx, "POST", "/api/v1/sync/pairing", map[string]string{
		"codeHash": codeHash, "issuerPubKey": issuerPubKey,
	}, &out)
	return out, err
}

func (c *Client) GetPairing(ctx context.Context, pairingID string) (PairingSession, error) {
	var out PairingSession
	err := c.do(ctx, "GET", "/api/v1/sync/pairing/"+pairingID, nil, &out)
	return out, err
}

func (c *Client) ApprovePairing(ctx context.Context, pairingID, sasProof string) error {
	return c.do(ctx, "POST", "/api/v1/sync/pairing/"+pairingID+"/approve", map[string]string{"sasProof": sasProof}, nil)
}

// CompletePairing posts the encrypted {root_key, key_version} bundle
// plus a signature and the SAS proof (§4.6 step 5).
func (c *Client) CompletePairing(ctx context.Context, pairingID, encryptedBundle, signature, sasProof string) error {
	return c.do(ctx, "POST", "/api/v1/sync/pairing/"+pairingID+"/complete", map[string]string{
		"encryptedBundle": encryptedBundle,
		"signature":       signature,
		"sasProof":        sasProof,
	}, nil)
}

func (c *Client) CancelPairing(ctx context.Context, pairingID, reason string) error {
	return c.do(ctx, "POST", "/api/v1/sync/pairing/"+pairingID+"/cancel", map[string]string{"reason": reason}, nil)
}

// Claimer side.

func (c *Client) ClaimPairing(ctx context.Context, code, claimerPubKey string) (PairingSession, error) {
	var out PairingSession
	err := c.do(ctx, "POST", "/api/v1/sync/pairing/claim", map[string]string{
		"code": code, "claimerPubKey": claimerPubKey,
	}, &out)
	return out, err
}

type PairingMessage struct {
	EncryptedBundle string `json:"encryptedBundle"`
	Signature       string `json:"signature"`
	SASProof        string `json:"sasProof"`
}

func (c *Client) GetPairingMessages(ctx context.Context, pairingID string) ([]PairingMessage, error) {
	var out []PairingMessage
	err := c.do(ctx, "GET", "/api/v1/sync/pairing/"+pairingID+"/messages", nil, &out)
	return out, err
}

func (c *Client) ConfirmPairing(ctx context.Context, pairingID, sasProof string) error {
	return c.do(ctx, "POST", "/api/v1/sync/pairing/"+pairingID+"/confirm", map[string]string{"sasProof": sasProof}, nil)
}
