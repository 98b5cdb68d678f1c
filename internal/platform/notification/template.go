// Package notification renders patient notifications and hands them to the
// email and SMS providers.
package notification

import (
	"fmt"
	"html"
	"regexp"
	"sync"
)

// Channel is the delivery channel (canal_envoi) of a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelInApp:
		return true
	}
	return false
}

// ParseChannel accepts the stored values plus "app" and "push" as aliases
// for in_app.
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "email", "sms", "in_app":
		return Channel(s), nil
	case "app", "push":
		return ChannelInApp, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// TemplateKey selects a template by notification type and channel.
type TemplateKey struct {
	Type    string
	Channel Channel
}

func (k TemplateKey) String() string { return k.Type + ":" + string(k.Channel) }

// Template holds the raw bodies. HTML may be empty for channels without
// rich content.
type Template struct {
	Title string
	Text  string
	HTML  string
}

// Rendered is a template with its placeholders filled in.
type Rendered struct {
	Title string
	Text  string
	HTML  string
}

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// TemplateEngine renders {{key}} placeholders. Values substituted into HTML
// are escaped; unknown keys are left in place.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[TemplateKey]Template
}

// NewTemplateEngine returns an engine loaded with the built-in French
// templates for the access request lifecycle.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[TemplateKey]Template)}
	for typ, t := range builtIn {
		e.templates[TemplateKey{typ, ChannelEmail}] = t.rich
		e.templates[TemplateKey{typ, ChannelInApp}] = t.rich
		e.templates[TemplateKey{typ, ChannelSMS}] = Template{Title: t.rich.Title, Text: t.sms}
	}
	return e
}

// Register adds or replaces a template. The zero TemplateEngine is usable
// and starts empty.
func (e *TemplateEngine) Register(key TemplateKey, t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.templates == nil {
		e.templates = make(map[TemplateKey]Template)
	}
	e.templates[key] = t
}

func (e *TemplateEngine) Has(key TemplateKey) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[key]
	return ok
}

// Render fills the template registered under key. The same key and data
// always produce the same output.
func (e *TemplateEngine) Render(key TemplateKey, data map[string]string) (Rendered, error) {
	e.mu.RLock()
	t, ok := e.templates[key]
	e.mu.RUnlock()
	if !ok {
		return Rendered{}, fmt.Errorf("no template for %s", key)
	}

	return Rendered{
		Title: fill(t.Title, data, false),
		Text:  fill(t.Text, data, false),
		HTML:  fill(t.HTML, data, true),
	}, nil
}

func fill(s string, data map[string]string, escape bool) string {
	if s == "" {
		return ""
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := data[key]
		if !ok {
			return m
		}
		if escape {
			return html.EscapeString(v)
		}
		return v
	})
}

type builtInTemplate struct {
	rich Template
	sms  string
}

var builtIn = map[string]builtInTemplate{
	"demande_validation": {
		rich: Template{
			Title: "Nouvelle demande d'accès à votre DMP",
			Text: "Bonjour {{patient_prenom}}, {{professionnel_nom}} demande à consulter votre dossier médical partagé " +
				"({{mode_acces}}, {{duree_acces}} minutes). Motif : {{raison}}. " +
				"Sans réponse de votre part, la demande expirera le {{date_expiration}}.",
			HTML: "<p>Bonjour {{patient_prenom}},</p>" +
				"<p><strong>{{professionnel_nom}}</strong> demande à consulter votre dossier médical partagé.</p>" +
				"<ul><li>Mode : {{mode_acces}}</li><li>Durée : {{duree_acces}} minutes</li><li>Motif : {{raison}}</li></ul>" +
				"<p>Sans réponse de votre part, la demande expirera le {{date_expiration}}.</p>",
		},
		sms: "DMP : {{professionnel_nom}} demande l'accès à votre dossier ({{duree_acces}} min). Répondez depuis votre espace patient.",
	},
	"acces_accorde": {
		rich: Template{
			Title: "Accès à votre DMP accordé",
			Text:  "Bonjour {{patient_prenom}}, vous avez autorisé {{professionnel_nom}} à consulter votre dossier jusqu'au {{date_expiration}}.",
			HTML: "<p>Bonjour {{patient_prenom}},</p>" +
				"<p>Vous avez autorisé <strong>{{professionnel_nom}}</strong> à consulter votre dossier jusqu'au {{date_expiration}}.</p>",
		},
		sms: "DMP : accès accordé à {{professionnel_nom}} jusqu'au {{date_expiration}}.",
	},
	"acces_refuse": {
		rich: Template{
			Title: "Demande d'accès refusée",
			Text:  "Bonjour {{patient_prenom}}, la demande d'accès de {{professionnel_nom}} à votre dossier a été refusée. {{raison_decision}}",
			HTML: "<p>Bonjour {{patient_prenom}},</p>" +
				"<p>La demande d'accès de <strong>{{professionnel_nom}}</strong> à votre dossier a été refusée.</p>" +
				"<p>{{raison_decision}}</p>",
		},
		sms: "DMP : la demande d'accès de {{professionnel_nom}} a été refusée.",
	},
	"acces_expire": {
		rich: Template{
			Title: "Accès à votre DMP expiré",
			Text:  "Bonjour {{patient_prenom}}, l'accès de {{professionnel_nom}} à votre dossier a expiré.",
			HTML: "<p>Bonjour {{patient_prenom}},</p>" +
				"<p>L'accès de <strong>{{professionnel_nom}}</strong> à votre dossier a expiré.</p>",
		},
		sms: "DMP : l'accès de {{professionnel_nom}} à votre dossier a expiré.",
	},
	"acces_revoque": {
		rich: Template{
			Title: "Accès à votre DMP révoqué",
			Text:  "Bonjour {{patient_prenom}}, vous avez révoqué l'accès de {{professionnel_nom}} à votre dossier.",
			HTML: "<p>Bonjour {{patient_prenom}},</p>" +
				"<p>Vous avez révoqué l'accès de <strong>{{professionnel_nom}}</strong> à votre dossier.</p>",
		},
		sms: "DMP : accès de {{professionnel_nom}} révoqué.",
	},
}

// BuiltInTypes lists the notification types that ship with templates.
func BuiltInTypes() []string {
	return []string{"demande_validation", "acces_accorde", "acces_refuse", "acces_expire", "acces_revoque"}
}
