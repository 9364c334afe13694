package client

import (
	"context"
	"fmt"
	"strings"

	errs "github.com/muvusoft/talkscribe-license/internal/errors"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/rs/zerolog/log"
)

// Message types accepted by Handle, plus the exhaustion broadcast.
const (
	MsgRegister         = "register"
	MsgGetLicenseStatus = "get_license_status"
	MsgCheckLicense     = "paddle-check-license"
	MsgStartUsageTimer  = "paddle-start-usage-timer"
	MsgStopUsageTimer   = "paddle-stop-usage-timer"
	MsgOpenCheckout     = "paddle-open-checkout"
	MsgLinkEmail        = "link-email"

	MsgStopUsage = "paddle-stop-usage"
	MsgOpenURL   = "open-url"
)

// Message is a request from a consumer, or a broadcast to consumers.
type Message struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
	Email    string `json:"email,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Response is the JSON object answered to a Message.
type Response map[string]any

func errorResponse(msg string) Response {
	return Response{"error": msg}
}

// Handle answers msg. It always returns a response, including when the
// handler fails or panics.
func (c *Core) Handle(ctx context.Context, msg Message) (resp Response) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("type", msg.Type).Msg("Message handler panicked")
			resp = errorResponse("internal error")
		}
	}()

	logger := log.With().Str("type", msg.Type).Logger()
	logger.Debug().Msg("Handling message")

	switch msg.Type {
	case MsgRegister:
		return c.handleRegister(ctx, msg)
	case MsgGetLicenseStatus:
		return c.handleStatus(ctx, msg)
	case MsgCheckLicense:
		ok, err := c.CheckLicense(ctx)
		if err != nil {
			return Response{"ok": false, "error": string(errs.TypeOf(err))}
		}
		return Response{"ok": ok}
	case MsgStartUsageTimer:
		if err := c.timer.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("Could not start usage timer")
			return Response{"started": false, "error": string(errs.TypeOf(err))}
		}
		return Response{"started": true}
	case MsgStopUsageTimer:
		c.timer.Stop()
		return Response{"stopped": true}
	case MsgOpenCheckout:
		return c.handleCheckout(ctx, msg)
	case MsgLinkEmail:
		return c.handleLinkEmail(ctx, msg)
	default:
		return errorResponse("unknown message type")
	}
}

func (c *Core) handleRegister(ctx context.Context, msg Message) Response {
	deviceID, err := c.local.AdoptDeviceID(ctx, msg.DeviceID)
	if err != nil {
		log.Error().Err(err).Msg("Register failed")
		return errorResponse(string(errs.TypeOf(err)))
	}
	// The server creates its record on first verify; failures retry on the next check.
	if _, err := c.resolver.VerifyLicense(ctx, deviceID, true); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Register could not reach license server")
	}
	return Response{"ok": true, "deviceId": deviceID}
}

func (c *Core) handleStatus(ctx context.Context, msg Message) Response {
	deviceID, err := c.local.AdoptDeviceID(ctx, msg.DeviceID)
	if err != nil {
		return errorResponse(string(errs.TypeOf(err)))
	}
	d, err := c.resolver.VerifyLicense(ctx, deviceID, true)
	if err != nil || d == nil {
		return errorResponse("no response")
	}
	return statusResponse(d.Status())
}

func statusResponse(s licensing.LicenseStatus) Response {
	resp := Response{
		"plan":                      s.Plan,
		"trialDaysRemaining":        s.TrialDaysRemaining,
		"freeDailySecondsRemaining": s.FreeDailySecondsRemaining,
	}
	if s.Account != nil {
		resp["account"] = map[string]string{"email": s.Account.Email}
	}
	return resp
}

func (c *Core) handleCheckout(ctx context.Context, msg Message) Response {
	deviceID, err := c.local.DeviceID(ctx)
	if err != nil {
		return Response{"opened": false, "error": string(errs.TypeOf(err))}
	}
	email := strings.TrimSpace(msg.Email)
	if email == "" {
		if linked, err := c.local.LinkedEmail(ctx); err == nil {
			email = linked
		}
	}
	u, err := CheckoutURL(c.checkoutURL, c.priceID, email, deviceID)
	if err != nil {
		log.Error().Err(err).Msg("Could not build checkout URL")
		return Response{"opened": false, "error": "invalid checkout URL"}
	}
	if err := c.opener.Open(ctx, u); err != nil {
		log.Warn().Err(err).Msg("Could not open checkout")
		return Response{"opened": false, "error": fmt.Sprintf("open checkout: %v", err)}
	}
	return Response{"opened": true}
}

func (c *Core) handleLinkEmail(ctx context.Context, msg Message) Response {
	email := licensing.NormalizeEmail(msg.Email)
	if email == "" {
		return errorResponse("invalid email")
	}
	if err := c.local.SetLinkedEmail(ctx, email); err != nil {
		return errorResponse(string(errs.TypeOf(err)))
	}
	c.resolver.Invalidate()

	deviceID, err := c.local.DeviceID(ctx)
	if err == nil {
		if _, err := c.resolver.VerifyLicense(ctx, deviceID, true); err != nil {
			log.Warn().Err(err).Msg("Email stored; link will be sent on the next verify")
		}
	}
	return Response{"ok": true, "email": email}
}
