package mail

import (
	"bytes"
	"html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

// View is the data rendered into both mail bodies.
type View struct {
	Unit        string
	Group       string
	Sender      string
	Time        time.Time
	Content     string
	Quoted      string
	Attachments []string
	ID          string
}

func (v View) FormattedTime() string { return v.Time.Format("02 Jan 2006 15:04 MST") }

var htmlTmpl = template.Must(template.New("mail").Funcs(template.FuncMap{
	"lines": func(s string) []string { return strings.Split(s, "\n") },
}).Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Unit}} - Notification</title>
  </head>
  <body style="font-family: Arial, sans-serif; margin: 0; padding: 0; background-color: #f7f7f7;">
    <div style="max-width: 600px; margin: 0 auto; border: 1px solid #e0e0e0; border-radius: 8px; overflow: hidden; background-color: white;">
      <div style="background: #4169e1; color: white; padding: 20px; text-align: center;">
        <h2 style="margin: 0;">{{.Unit}} - Notification</h2>
      </div>
      <div style="padding: 20px;">
        <table style="width: 100%; border-collapse: collapse;">
          <tbody>
            <tr><td style="padding: 8px; border-bottom: 1px solid #e0e0e0; font-weight: bold; width: 100px;">Unit:</td><td style="padding: 8px; border-bottom: 1px solid #e0e0e0;">{{.Unit}}</td></tr>
            <tr><td style="padding: 8px; border-bottom: 1px solid #e0e0e0; font-weight: bold;">Group:</td><td style="padding: 8px; border-bottom: 1px solid #e0e0e0;">{{or .Group "Unknown"}}</td></tr>
            <tr><td style="padding: 8px; border-bottom: 1px solid #e0e0e0; font-weight: bold;">Sender:</td><td style="padding: 8px; border-bottom: 1px solid #e0e0e0;">{{or .Sender "Unknown"}}</td></tr>
            <tr><td style="padding: 8px; border-bottom: 1px solid #e0e0e0; font-weight: bold;">Time:</td><td style="padding: 8px; border-bottom: 1px solid #e0e0e0;">{{.FormattedTime}}</td></tr>
          </tbody>
        </table>
        {{- if .Quoted}}
        <div style="margin-top: 20px; padding: 10px 15px; border-left: 4px solid #bbb; color: #555;">
          <h4 style="margin-top: 0;">In reply to:</h4>
          <div>{{range lines .Quoted}}{{.}}<br>{{end}}</div>
        </div>
        {{- end}}
        <div style="margin-top: 20px; padding: 15px; background-color: #f9f9f9; border-radius: 6px;">
          <h3 style="margin-top: 0; color: #4169e1;">Message:</h3>
          <div>{{range lines .Content}}{{.}}<br>{{end}}</div>
        </div>
        {{- if .Attachments}}
        <div style="margin-top: 20px; padding: 15px; background-color: #fff8e1; border-radius: 6px; border-left: 4px solid #ffc107;">
          <h3 style="margin-top: 0; color: #ff9800;">Attachments:</h3>
          <ul style="padding-left: 20px;">{{range .Attachments}}<li>{{.}}</li>{{end}}</ul>
          <p style="font-size: 12px; color: #666; font-style: italic;">The attachments are included with this email.</p>
        </div>
        {{- end}}
      </div>
      <div style="background-color: #f0f7ff; padding: 15px; text-align: center; font-size: 14px; color: #666;">
        <p>This is an automated message from the chat relay.</p>
        <p>ID: {{.ID}}</p>
      </div>
    </div>
  </body>
</html>
`))

var textTmpl = texttemplate.Must(texttemplate.New("mail").Parse(`{{.Unit}} - Notification

Unit:   {{.Unit}}
Group:  {{or .Group "Unknown"}}
Sender: {{or .Sender "Unknown"}}
Time:   {{.FormattedTime}}
{{if .Quoted}}
In reply to:
{{.Quoted}}
{{end}}
Message:
{{.Content}}
{{if .Attachments}}
Attachments:{{range .Attachments}}
  - {{.}}{{end}}
{{end}}
ID: {{.ID}}
`))

func RenderHTML(v View) (string, error) {
	var buf bytes.Buffer
	if err := htmlTmpl.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func RenderText(v View) (string, error) {
	var buf bytes.Buffer
	if err := textTmpl.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}
