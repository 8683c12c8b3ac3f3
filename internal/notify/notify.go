package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"solarline/internal/config"
	"solarline/internal/domain"
	"solarline/internal/logging"
)

// EventMilestoneCompleted is the only event type delivered.
const EventMilestoneCompleted = "milestone.completed"

const defaultTimeout = 5 * time.Second

type Notifier struct {
	Client *http.Client
	Logger *logging.Logger
	Now    func() time.Time
}

func New(logger *logging.Logger) Notifier {
	return Notifier{
		Client: &http.Client{Timeout: defaultTimeout},
		Logger: logger,
		Now:    time.Now,
	}
}

// Message is the JSON body posted to a webhook.
type Message struct {
	Event      string `json:"event"`
	DeliveryID string `json:"delivery_id"`
	ProjectID  string `json:"project_id"`
	Code       string `json:"code"`
	ActorID    string `json:"actor_id"`
	Provenance string `json:"provenance"`
	Reason     string `json:"reason,omitempty"`
	TS         string `json:"ts"`
}

// Report counts what a Notify call did.
type Report struct {
	Notifiable int `json:"notifiable"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

// Notifiable keeps the false->true transitions of codes listed in
// notifications.notify_on.
func Notifiable(cfg *config.Config, changes []domain.Change) []domain.Change {
	var out []domain.Change
	if cfg == nil {
		return out
	}
	for _, c := range changes {
		if c.To && !c.From && cfg.Notifiable(c.Code) {
			out = append(out, c)
		}
	}
	return out
}

// Notify delivers the notifiable changes of one pass to every enabled webhook
// of the project. Hooks are posted to in parallel; a failing hook does not stop
// the others and is reported in the returned error.
func (n Notifier) Notify(ctx context.Context, cfg *config.Config, projectID, actorID string, changes []domain.Change) (Report, error) {
	pending := Notifiable(cfg, changes)
	rep := Report{Notifiable: len(pending)}
	if len(pending) == 0 {
		return rep, nil
	}
	type delivery struct {
		hook config.WebhookConfig
		msg  Message
	}
	var deliveries []delivery
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		filter := newCodeFilter(hook.Events)
		for _, c := range pending {
			if !filter.match(c.Code) {
				continue
			}
			deliveries = append(deliveries, delivery{hook: hook, msg: n.message(projectID, actorID, c)})
		}
	}
	errs := make([]error, len(deliveries))
	var g errgroup.Group
	g.SetLimit(4)
	for i, d := range deliveries {
		g.Go(func() error {
			errs[i] = n.post(ctx, d.hook, d.msg)
			return nil
		})
	}
	_ = g.Wait()
	var failed []error
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Errorf("deliver %s to %s: %w", deliveries[i].msg.Code, deliveries[i].hook.URL, err))
			continue
		}
		rep.Delivered++
	}
	rep.Failed = len(failed)
	log := logging.OrNop(n.Logger)
	if len(failed) > 0 {
		log.Warn("webhook delivery failed", "project_id", projectID, "failed", len(failed), "error", errors.Join(failed...))
		return rep, errors.Join(failed...)
	}
	log.Info("webhooks delivered", "project_id", projectID, "delivered", rep.Delivered)
	return rep, nil
}

func (n Notifier) message(projectID, actorID string, c domain.Change) Message {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	return Message{
		Event:      EventMilestoneCompleted,
		DeliveryID: uuid.NewString(),
		ProjectID:  projectID,
		Code:       c.Code,
		ActorID:    actorID,
		Provenance: c.Provenance,
		Reason:     c.Reason,
		TS:         now().UTC().Format(time.RFC3339),
	}
}

func (n Notifier) post(ctx context.Context, hook config.WebhookConfig, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			c := *client
			c.Timeout = timeout
			client = &c
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Solarline-Event", msg.Event)
	req.Header.Set("X-Solarline-Delivery", msg.DeliveryID)
	req.Header.Set("X-Solarline-Project", msg.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Solarline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// codeFilter selects milestone codes; an empty list matches every code.
type codeFilter struct {
	all bool
	set map[string]struct{}
}

func newCodeFilter(codes []string) codeFilter {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if key := strings.TrimSpace(c); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return codeFilter{all: true}
	}
	return codeFilter{set: set}
}

func (f codeFilter) match(code string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[code]
	return ok
}
