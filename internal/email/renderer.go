// Package email renders and sends the transactional billing emails.
package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"qrcloud/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// Rendered holds the rendered email content ready for transmission.
type Rendered struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// Data is the per-message input of a template.
type Data struct {
	FirstName       string
	PlanName        string
	PeriodEnd       time.Time
	GracePeriodEnds *time.Time
	// Reference time for DaysLeft. Zero means time.Now.
	Now time.Time
}

// templateData is the struct passed into the templates.
type templateData struct {
	Subject            string
	Greeting           string
	PlanName           string
	PeriodEnd          time.Time
	PeriodEndFormatted string
	GraceEndsFormatted string
	DaysLeft           int
	DashboardURL       string
	BillingURL         string
}

var subjects = map[types.EmailTemplate]string{
	types.EmailSubscriptionActivated: "Your %s subscription is active",
	types.EmailSubscriptionCanceled:  "Your %s subscription has ended",
	types.EmailPaymentFailed:         "Action needed: payment failed for your %s subscription",
	types.EmailCancellationScheduled: "Your %s subscription is set to cancel",
	types.EmailCancellationReminder:  "Your %s subscription ends soon",
	types.EmailDomainsDisabled:       "Your custom domains have been disabled",
}

// Templates lists every template the renderer loads.
var Templates = []types.EmailTemplate{
	types.EmailSubscriptionActivated,
	types.EmailSubscriptionCanceled,
	types.EmailPaymentFailed,
	types.EmailCancellationScheduled,
	types.EmailCancellationReminder,
	types.EmailDomainsDisabled,
}

const dateLayout = "January 2, 2006"

// Renderer renders the embedded templates.
type Renderer struct {
	htmlTemplates map[types.EmailTemplate]*template.Template
	textTemplates map[types.EmailTemplate]*texttemplate.Template
	dashboardURL  string
}

// NewRenderer parses the embedded templates. dashboardURL is the base of
// the links placed in emails.
func NewRenderer(dashboardURL string) (*Renderer, error) {
	r := &Renderer{
		htmlTemplates: make(map[types.EmailTemplate]*template.Template, len(Templates)),
		textTemplates: make(map[types.EmailTemplate]*texttemplate.Template, len(Templates)),
		dashboardURL:  strings.TrimSuffix(dashboardURL, "/"),
	}

	baseHTML, err := templateFS.ReadFile("templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("renderer: failed to read base.html: %w", err)
	}

	for _, tmpl := range Templates {
		name := string(tmpl)

		htmlContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.html", name))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to read %s.html: %w", name, err)
		}
		htmlTmpl, err := template.New("base").Parse(string(baseHTML))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse base.html: %w", err)
		}
		if _, err := htmlTmpl.Parse(string(htmlContent)); err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.html: %w", name, err)
		}
		r.htmlTemplates[tmpl] = htmlTmpl

		txtContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.txt", name))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to read %s.txt: %w", name, err)
		}
		txtTmpl, err := texttemplate.New(name).Parse(string(txtContent))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.txt: %w", name, err)
		}
		r.textTemplates[tmpl] = txtTmpl
	}

	return r, nil
}

// Render renders tmpl with data.
func (r *Renderer) Render(tmpl types.EmailTemplate, data Data) (*Rendered, error) {
	htmlTmpl, ok := r.htmlTemplates[tmpl]
	if !ok {
		return nil, fmt.Errorf("renderer: no HTML template %q", tmpl)
	}
	txtTmpl, ok := r.textTemplates[tmpl]
	if !ok {
		return nil, fmt.Errorf("renderer: no text template %q", tmpl)
	}

	td := r.buildTemplateData(tmpl, data)

	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, td); err != nil {
		return nil, fmt.Errorf("renderer: failed to render HTML for %q: %w", tmpl, err)
	}
	var txtBuf bytes.Buffer
	if err := txtTmpl.Execute(&txtBuf, td); err != nil {
		return nil, fmt.Errorf("renderer: failed to render text for %q: %w", tmpl, err)
	}

	return &Rendered{
		Subject:  td.Subject,
		HTMLBody: htmlBuf.String(),
		TextBody: txtBuf.String(),
	}, nil
}

func (r *Renderer) buildTemplateData(tmpl types.EmailTemplate, data Data) templateData {
	plan := data.PlanName
	if plan == "" {
		plan = "QRCloud"
	}
	greeting := strings.TrimSpace(data.FirstName)
	if greeting == "" {
		greeting = "there"
	}

	subject := subjects[tmpl]
	if strings.Contains(subject, "%s") {
		subject = fmt.Sprintf(subject, plan)
	}

	td := templateData{
		Subject:      subject,
		Greeting:     greeting,
		PlanName:     plan,
		PeriodEnd:    data.PeriodEnd,
		DashboardURL: r.dashboardURL,
		BillingURL:   r.dashboardURL + "/settings/billing",
	}
	if !data.PeriodEnd.IsZero() {
		td.PeriodEndFormatted = data.PeriodEnd.UTC().Format(dateLayout)

		now := data.Now
		if now.IsZero() {
			now = time.Now()
		}
		if left := data.PeriodEnd.Sub(now); left > 0 {
			td.DaysLeft = int((left + 24*time.Hour - 1) / (24 * time.Hour))
		}
	}
	if data.GracePeriodEnds != nil {
		td.GraceEndsFormatted = data.GracePeriodEnds.UTC().Format(dateLayout)
	}
	return td
}
