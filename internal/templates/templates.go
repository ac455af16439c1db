// Package templates renders stored email templates with a variable map.
package templates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	texttemplate "text/template"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-academy/backend/internal/jobs"
	"github.com/atlas-academy/backend/internal/models"
)

// ErrTemplateNotFound is returned for an unknown template id.
var ErrTemplateNotFound = errors.New("templates: not found")

// Repository loads templates from email_templates.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a templates repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID returns a template.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.EmailTemplate, error) {
	const q = `SELECT id, name, subject, html_content, text_content, created_at, updated_at
		FROM email_templates WHERE id = $1`
	var t models.EmailTemplate
	err := r.pool.QueryRow(ctx, q, id).Scan(&t.ID, &t.Name, &t.Subject, &t.HTMLContent,
		&t.TextContent, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Source loads a template by id. Implemented by Repository.
type Source interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.EmailTemplate, error)
}

// Renderer executes stored templates. Subject and text bodies use
// text/template; the HTML body uses html/template so variable values are
// escaped.
type Renderer struct {
	repo Source
}

// NewRenderer creates a renderer over a template source.
func NewRenderer(repo Source) *Renderer {
	return &Renderer{repo: repo}
}

// Render implements jobs.Renderer.
func (r *Renderer) Render(ctx context.Context, templateID uuid.UUID, vars map[string]string) (jobs.Rendered, error) {
	t, err := r.repo.GetByID(ctx, templateID)
	if err != nil {
		return jobs.Rendered{}, err
	}
	if vars == nil {
		vars = map[string]string{}
	}

	subject, err := renderText("subject", t.Subject, vars)
	if err != nil {
		return jobs.Rendered{}, err
	}
	html, err := renderHTML("html", t.HTMLContent, vars)
	if err != nil {
		return jobs.Rendered{}, err
	}
	text := ""
	if t.TextContent != "" {
		if text, err = renderText("text", t.TextContent, vars); err != nil {
			return jobs.Rendered{}, err
		}
	}
	return jobs.Rendered{Subject: subject, HTML: html, Text: text}, nil
}

func renderHTML(name, src string, vars map[string]string) (string, error) {
	tmpl, err := template.New(name).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("execute %s template: %w", name, err)
	}
	return buf.String(), nil
}

func renderText(name, src string, vars map[string]string) (string, error) {
	tmpl, err := texttemplate.New(name).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("execute %s template: %w", name, err)
	}
	return buf.String(), nil
}
