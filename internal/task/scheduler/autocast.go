package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"moontele/internal/services/broadcast"
	"moontele/internal/transport"
)

// TemplateSource looks up the targets of a named template.
type TemplateSource interface {
	Get(account, name string) ([]transport.Target, error)
}

// Builder turns a Schedule into a broadcast job.
type Builder struct {
	Templates TemplateSource
	// Source and Resolver are only needed for Link payloads.
	Source   transport.Source
	Resolver transport.ChatResolver
	// Account scopes template lookup; "" searches every account.
	Account string
	// Template is the fallback template name (TG_TEMPLATE_NAME).
	Template string
}

// Build resolves targets and payload. Every job built here uses the
// unattended random delay.
func (b *Builder) Build(ctx context.Context, sch Schedule) (broadcast.Job, error) {
	if b == nil || b.Templates == nil {
		return broadcast.Job{}, transport.Errorf(transport.KindConfig, "autocast: no templates loaded")
	}
	name := firstNonEmpty(sch.Template, b.Template, DefaultTemplate)
	targets, err := b.Templates.Get(b.Account, name)
	if err != nil {
		return broadcast.Job{}, err
	}
	if len(targets) == 0 {
		return broadcast.Job{}, transport.Errorf(transport.KindConfig, "autocast: template %q has no targets", name)
	}

	payload, err := b.payload(ctx, sch)
	if err != nil {
		return broadcast.Job{}, err
	}
	delay := broadcast.RandomDelay(broadcast.DefaultRandomMin, broadcast.DefaultRandomMax)
	return broadcast.Job{
		Name:     firstNonEmpty(sch.Name, "autocast"),
		Template: name,
		Payload:  payload,
		Targets:  targets,
		Mode:     sch.Mode,
		Delay:    &delay,
	}, nil
}

func (b *Builder) payload(ctx context.Context, sch Schedule) (broadcast.Payload, error) {
	if link := strings.TrimSpace(sch.Link); link != "" {
		ml, err := transport.ParseMessageLink(link)
		if err != nil {
			return broadcast.Payload{}, err
		}
		if b.Source == nil {
			return broadcast.Payload{}, transport.Errorf(transport.KindConfig, "autocast: link payload needs a message source")
		}
		chatID, err := ml.ResolveChat(ctx, b.Resolver)
		if err != nil {
			return broadcast.Payload{}, err
		}
		return broadcast.ResolvePayload(ctx, b.Source, chatID, ml.MessageID)
	}

	file := firstNonEmpty(sch.TextFile, DefaultTextFile)
	body, err := os.ReadFile(file)
	switch {
	case err == nil && strings.TrimSpace(string(body)) != "":
		return broadcast.TextPayload(string(body)), nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return broadcast.Payload{}, fmt.Errorf("read %s: %w", file, err)
	}
	if strings.TrimSpace(sch.Text) == "" {
		return broadcast.TextPayload(DefaultText), nil
	}
	return broadcast.TextPayload(sch.Text), nil
}

// RunOnce builds and submits one job, then waits for it to finish.
func RunOnce(ctx context.Context, b *Builder, bc Broadcaster, sch Schedule) Outcome {
	out := Outcome{Schedule: sch.Name}
	job, err := b.Build(ctx, sch)
	if err != nil {
		out.Err = err
		return out
	}
	id, err := bc.Submit(job)
	out.JobID = id
	if err != nil {
		out.Err = err
		return out
	}
	out.Status, out.Err = bc.Wait(ctx, id)
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
