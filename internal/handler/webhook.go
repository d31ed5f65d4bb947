package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/label"
)

const (
	defaultChatTemplate = "{{.Label}} (block {{.BlockNumber}}, tx {{short_addr .TxHash}})"
	webhookTimeout      = 8 * time.Second
	// errorBodyLimit bounds how much of a failed response ends up in the error.
	errorBodyLimit = 256
)

// TemplateData is what webhook templates render.
type TemplateData struct {
	event.Event
	Title    string
	Label    string
	StoredID int64
}

func newTemplateData(ev event.Event, prev any) TemplateData {
	d := TemplateData{
		Event: ev,
		Title: label.Title(ev.Network, ev.Kind),
		Label: label.Label(ev.Chain, ev),
	}
	if st, ok := prev.(Stored); ok {
		d.StoredID = st.Record.ID
	}
	return d
}

type payloadFunc func(ev event.Event, prev any) ([]byte, error)

// webhook posts one request per event and passes prev through.
type webhook struct {
	url     string
	method  string
	headers map[string]string
	payload payloadFunc
	client  *http.Client
}

// NewWebhook builds a generic HTTP handler. Without a template the body is
// the JSON Message; with one it is {"text": <rendered template>}.
func NewWebhook(url, method, tmpl string, headers map[string]string) (event.Handler, error) {
	payload := payloadFunc(encodeMessage)
	if tmpl != "" {
		t, err := parseTemplate(tmpl)
		if err != nil {
			return nil, err
		}
		payload = textPayload(t)
	}
	return newWebhook(url, method, headers, payload)
}

// NewSlack builds a handler for a Slack incoming webhook.
func NewSlack(url, tmpl string) (event.Handler, error) {
	return newChat(url, tmpl)
}

// NewTeams builds a handler for a Teams incoming webhook, which accepts the
// same {"text": ...} body as Slack.
func NewTeams(url, tmpl string) (event.Handler, error) {
	return newChat(url, tmpl)
}

func newChat(url, tmpl string) (event.Handler, error) {
	if tmpl == "" {
		tmpl = defaultChatTemplate
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return newWebhook(url, http.MethodPost, nil, textPayload(t))
}

func newWebhook(url, method string, headers map[string]string, payload payloadFunc) (*webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	return &webhook{
		url:     url,
		method:  strings.ToUpper(method),
		headers: headers,
		payload: payload,
		client:  &http.Client{Timeout: webhookTimeout},
	}, nil
}

func textPayload(t *template.Template) payloadFunc {
	return func(ev event.Event, prev any) ([]byte, error) {
		var buf bytes.Buffer
		if err := t.Execute(&buf, newTemplateData(ev, prev)); err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		body, err := json.Marshal(map[string]string{"text": buf.String()})
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		return body, nil
	}
}

func (w *webhook) Handle(ctx context.Context, ev event.Event, prev any) (any, error) {
	if duplicate(prev) {
		return prev, nil
	}
	body, err := w.payload(ev, prev)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, fmt.Errorf("webhook http status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return prev, nil
}

var templateFuncs = template.FuncMap{
	"pretty_json": func(v any) string {
		out, _ := json.MarshalIndent(v, "", "  ")
		return string(out)
	},
	"short_addr": func(addr string) string {
		if len(addr) <= 10 {
			return addr
		}
		return addr[:6] + "..." + addr[len(addr)-4:]
	},
	"title": label.Title,
	"label": label.Label,
}

func parseTemplate(tmpl string) (*template.Template, error) {
	t, err := template.New("msg").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}
