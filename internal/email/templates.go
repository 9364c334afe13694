package email

import (
	"bytes"
	"fmt"
	"html/template"
)

var subscriptionTemplate = template.Must(template.New("subscription").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>TalkScribe Pro is active</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0; cellpadding: 0; cellspacing: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px; overflow: hidden;">
<tr><td style="padding: 32px 40px; text-align: center;">
<h1 style="margin: 0 0 16px; font-size: 24px; color: #1a1a1a;">Thanks for subscribing</h1>
<p style="margin: 0 0 16px; color: #666; font-size: 15px; line-height: 1.5;">
TalkScribe Pro is now active for <strong>{{.Email}}</strong>. Dictation is no longer limited to the daily free allowance.
</p>
{{if .DeviceLinked}}<p style="margin: 0; color: #666; font-size: 15px; line-height: 1.5;">
The browser you paid from was upgraded automatically.
</p>{{else}}<p style="margin: 0; color: #666; font-size: 15px; line-height: 1.5;">
To use Pro on a browser, enter this email address in the extension's account panel.
</p>{{end}}
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

// SubscriptionData holds template data for the subscription confirmation email.
type SubscriptionData struct {
	Email        string
	DeviceLinked bool
}

// RenderSubscriptionEmail renders the subscription confirmation email.
func RenderSubscriptionEmail(data SubscriptionData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := subscriptionTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render subscription template: %w", err)
	}

	textBody := fmt.Sprintf("Thanks for subscribing\n\nTalkScribe Pro is now active for %s.", data.Email)
	if data.DeviceLinked {
		textBody += "\n\nThe browser you paid from was upgraded automatically."
	} else {
		textBody += "\n\nTo use Pro on a browser, enter this email address in the extension's account panel."
	}
	return buf.String(), textBody, nil
}
