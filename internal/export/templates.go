package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var packetTemplate = template.Must(template.New("packet").Funcs(template.FuncMap{
	"join": strings.Join,
	"formatDate": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format("2 Jan 2006 15:04 MST")
	},
}).Parse(packetHTML))

type TemplateData struct {
	ID            string
	Status        string
	CreatedAt     time.Time
	PublishedAt   time.Time
	Region        string
	Discipline    string
	Role          string
	Institution   string
	TimeWindow    string
	Consent       bool
	WhatHappened  string
	Impact        string
	Improvement   string
	SanitisedText string
	Title         string
	Summary       string
	StoryHTML     template.HTML
	Notes         []string
	RiskFlags     []string
	Confidence    string
	AdminNotes    string
	Events        []TemplateEvent
	ExportedBy    string
	ExportedAt    time.Time
}

type TemplateEvent struct {
	At    time.Time
	Kind  string
	From  string
	To    string
	Actor string
	Note  string
}

func RenderPacketHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := packetTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const packetHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Review packet {{.ID}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #555; font-size: 0.9em; }
    .confidential { background: #fdecea; border-left: 4px solid #b42318; padding: 0.75rem 1rem; }
    .raw { white-space: pre-wrap; background: #f5f5f5; padding: 0.75rem; }
    .flag { display: inline-block; background: #fff3cd; padding: 0 0.4rem; margin-right: 0.3rem; }
    table { border-collapse: collapse; width: 100%; font-size: 0.9em; }
    td, th { border-bottom: 1px solid #ddd; padding: 0.3rem; text-align: left; }
  </style>
</head>
<body>
  <h1>Review packet</h1>
  <div class="meta">
    Submission {{.ID}} | status {{.Status}} | received {{formatDate .CreatedAt}}{{if not .PublishedAt.IsZero}} | published {{formatDate .PublishedAt}}{{end}}
  </div>
  <p class="meta">Region: {{or .Region "Not specified"}} | Discipline: {{or .Discipline "Not specified"}} | Role: {{or .Role "Not specified"}} | Institution type: {{or .Institution "Not specified"}} | Time window: {{or .TimeWindow "Not specified"}} | Consent to publish: {{if .Consent}}yes{{else}}no{{end}}</p>

  <h2>Draft for publication</h2>
  <h3>{{.Title}}</h3>
  <p><em>{{.Summary}}</em></p>
  <div>{{.StoryHTML}}</div>
  <p>Confidence: {{.Confidence}}{{if .RiskFlags}} | Flags: {{range .RiskFlags}}<span class="flag">{{.}}</span>{{end}}{{end}}</p>
  {{if .Notes}}<h4>Anonymisation notes</h4><ul>{{range .Notes}}<li>{{.}}</li>{{end}}</ul>{{end}}
  {{if .AdminNotes}}<h4>Moderator notes</h4><p>{{.AdminNotes}}</p>{{end}}

  <div class="confidential">
    <h2>Confidential: submitter's original text</h2>
    <h4>What happened</h4><div class="raw">{{.WhatHappened}}</div>
    <h4>Impact</h4><div class="raw">{{.Impact}}</div>
    <h4>What would help</h4><div class="raw">{{.Improvement}}</div>
    <h4>Sanitised text sent for drafting</h4><div class="raw">{{.SanitisedText}}</div>
  </div>

  {{if .Events}}
  <h2>History</h2>
  <table>
    <tr><th>When</th><th>Event</th><th>Status</th><th>By</th><th>Note</th></tr>
    {{range .Events}}<tr><td>{{formatDate .At}}</td><td>{{.Kind}}</td><td>{{.From}}{{if .To}} &rarr; {{.To}}{{end}}</td><td>{{.Actor}}</td><td>{{.Note}}</td></tr>{{end}}
  </table>
  {{end}}
  <p class="meta">Exported {{formatDate .ExportedAt}}{{if .ExportedBy}} by {{.ExportedBy}}{{end}}</p>
</body>
</html>`
