package imap

import (
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-sasl"
)

// Authenticate drives the credential exchange for the client's account.
// Token credentials require the XOAUTH2 capability and fail fast
// without it; password credentials prefer AUTHENTICATE PLAIN with an
// inline initial response, falling back to LOGIN when the mechanism is
// not advertised.
func (c *Client) Authenticate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked()
}

func (c *Client) authenticateLocked() error {
	switch c.conn.State() {
	case StateAuthenticated, StateSelected:
		return nil // pre-authenticated greeting, or already done
	case StateConnected:
	default:
		return newErrorf(KindInvalidState, "authenticate requires connected state, currently %s", c.conn.State())
	}

	var err error
	if c.cfg.UsesToken() {
		err = c.authenticateToken()
	} else {
		err = c.authenticatePassword()
	}
	if err != nil {
		return err
	}

	c.conn.setState(StateAuthenticated, "")
	c.logger.WithField("account", c.cfg.Name).Debug("Authenticated")
	return c.refreshCapabilitiesLocked()
}

// authenticateToken sends AUTHENTICATE XOAUTH2 with the blob
// base64(NUL + identity + NUL + token).
func (c *Client) authenticateToken() error {
	if !c.caps[CapAuthXOAuth2] {
		return newError(KindNotSupported, "server does not advertise AUTH=XOAUTH2")
	}
	blob, err := saslInitialResponse(c.cfg.Username, c.cfg.Token)
	if err != nil {
		return err
	}
	if _, err := c.conn.Execute(FormatAuthenticate("XOAUTH2", blob)); err != nil {
		if IsKind(err, KindServer) {
			return wrapError(KindAuth, "token authentication rejected", err)
		}
		return fmt.Errorf("XOAUTH2 authentication failed: %w", err)
	}
	return nil
}

func (c *Client) authenticatePassword() error {
	if c.caps[CapAuthPlain] {
		blob, err := saslInitialResponse(c.cfg.Username, c.cfg.Password)
		if err != nil {
			return err
		}
		if _, err := c.conn.Execute(FormatAuthenticate("PLAIN", blob)); err != nil {
			if IsKind(err, KindServer) {
				return wrapError(KindAuth, "PLAIN authentication rejected", err)
			}
			return fmt.Errorf("PLAIN authentication failed: %w", err)
		}
		return nil
	}

	if _, err := c.conn.Execute(FormatLogin(c.cfg.Username, c.cfg.Password)); err != nil {
		if IsKind(err, KindServer) {
			return wrapError(KindAuth, "login rejected", err)
		}
		return fmt.Errorf("login failed: %w", err)
	}
	return nil
}

// saslInitialResponse builds the base64 NUL-identity-NUL-secret blob
// sent as the single AUTHENTICATE argument.
func saslInitialResponse(identity, secret string) (string, error) {
	client := sasl.NewPlainClient("", identity, secret)
	_, ir, err := client.Start()
	if err != nil {
		return "", wrapError(KindAuth, "failed to build SASL initial response", err)
	}
	return base64.StdEncoding.EncodeToString(ir), nil
}
