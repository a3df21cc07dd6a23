package pairing

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cribcall/cribcall/internal/cerr"
)

// ClientInitRequest is the wire body of POST /pair/init, sent by a Listener
// that has already obtained the Monitor's certificate_fingerprint
// out-of-band (QR or discovery browse, spec §4.3).
type ClientInitRequest struct {
	ListenerName          string `json:"listener_name"`
	ListenerFingerprint   string `json:"listener_fingerprint"`
	ListenerECDHPublicKey []byte `json:"listener_ecdh_public_key"`
	QRToken               string `json:"qr_token,omitempty"`
}

type clientInitResponse struct {
	SessionID            string `json:"session_id"`
	MonitorName          string `json:"monitor_name"`
	MonitorECDHPublicKey []byte `json:"monitor_ecdh_public_key"`
	ExpiresInSec         int    `json:"expires_in_sec"`
}

// ClientConfirmResponse is what a successful /pair/confirm yields to the
// Listener (spec §4.3 step 2, §6).
type ClientConfirmResponse struct {
	RemoteDeviceID string `json:"remote_device_id"`
	MonitorName    string `json:"monitor_name"`
	CertificateDER []byte `json:"certificate_der"`
}

// ClientResult is everything a completed Listener-side /pair/init produces:
// the human-comparable code (the caller must display it and obtain
// out-of-band confirmation before calling Confirm) and the state needed to
// finish the handshake.
type ClientResult struct {
	ComparisonCode string
	monitorName    string

	listenerPriv *ecdh.PrivateKey
	monitorPub   []byte
	sessionID    string
}

// ClientInit performs the Listener half of spec §4.3 step 1 against a
// pairing endpoint reachable at baseURL (e.g. "https://192.168.1.20:9443"),
// whose http.Client must already be configured with a Transport that pins
// the Monitor's expected certificate fingerprint
// (transport.BuildPairingClientTLSConfig). The returned ClientResult's
// ComparisonCode must be displayed to the user and compared against the
// Monitor's own display before calling Confirm.
func ClientInit(httpClient *http.Client, baseURL string, listenerName, listenerFingerprint, qrToken string) (*ClientResult, error) {
	curve := ecdh.P256()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pairing client: generate ephemeral key: %w", err)
	}

	reqBody := ClientInitRequest{
		ListenerName:          listenerName,
		ListenerFingerprint:   listenerFingerprint,
		ListenerECDHPublicKey: priv.PublicKey().Bytes(),
		QRToken:               qrToken,
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("pairing client: marshal init request: %w", err)
	}

	resp, err := httpClient.Post(baseURL+"/pair/init", "application/json", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("pairing client: post /pair/init: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeTaxonomyError(resp)
	}

	var initResp clientInitResponse
	if err := json.NewDecoder(resp.Body).Decode(&initResp); err != nil {
		return nil, fmt.Errorf("pairing client: decode init response: %w", err)
	}

	comparisonCode, _, err := DeriveListenerSide(priv, initResp.MonitorECDHPublicKey)
	if err != nil {
		return nil, err
	}

	return &ClientResult{
		ComparisonCode: comparisonCode,
		monitorName:    initResp.MonitorName,
		listenerPriv:   priv,
		monitorPub:     initResp.MonitorECDHPublicKey,
		sessionID:      initResp.SessionID,
	}, nil
}

// MonitorName returns the Monitor's self-reported display name from init,
// for a Listener UI to show alongside the comparison code.
func (r *ClientResult) MonitorName() string { return r.monitorName }

// Confirm performs the Listener half of spec §4.3 step 2: it recomputes the
// shared pairing key, builds the transcript auth tag over
// {session_id, listener_fingerprint, monitor_fingerprint}, and posts
// /pair/confirm. Callers must only reach this after a human has compared
// ComparisonCode against the Monitor's displayed value.
func (r *ClientResult) Confirm(httpClient *http.Client, baseURL, listenerFingerprint, monitorFingerprint string) (*ClientConfirmResponse, error) {
	_, pairingKey, err := DeriveListenerSide(r.listenerPriv, r.monitorPub)
	if err != nil {
		return nil, err
	}
	authTag, err := BuildTranscriptAuthTag(pairingKey, r.sessionID, listenerFingerprint, monitorFingerprint)
	if err != nil {
		return nil, err
	}

	reqBody := struct {
		SessionID string `json:"session_id"`
		AuthTag   []byte `json:"auth_tag"`
	}{SessionID: r.sessionID, AuthTag: authTag}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("pairing client: marshal confirm request: %w", err)
	}

	resp, err := httpClient.Post(baseURL+"/pair/confirm", "application/json", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("pairing client: post /pair/confirm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeTaxonomyError(resp)
	}

	var confirmResp ClientConfirmResponse
	if err := json.NewDecoder(resp.Body).Decode(&confirmResp); err != nil {
		return nil, fmt.Errorf("pairing client: decode confirm response: %w", err)
	}
	return &confirmResp, nil
}

func decodeTaxonomyError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("pairing client: http %d (undecodable body)", resp.StatusCode)
	}
	if body.Error != "" {
		return cerr.New(cerr.Code(body.Error), body.Message)
	}
	return fmt.Errorf("pairing client: http %d: %s", resp.StatusCode, body.Message)
}
