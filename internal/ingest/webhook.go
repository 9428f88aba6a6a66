package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/health"
	"solana-copy-bot/internal/parser"
)

// rateLimiter is a fixed-window request counter.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Time
	count  int
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{limit: perMinute}
}

func (r *rateLimiter) allow() bool {
	if r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	win := time.Now().Truncate(time.Minute)
	if !win.Equal(r.window) {
		r.window = win
		r.count = 0
	}
	if r.count >= r.limit {
		return false
	}
	r.count++
	return true
}

// WebhookServer accepts enhanced transaction batches pushed by the
// indexer. It answers 200 fast and defers the real work; the path tag
// separates the primary feed from its fallback mirror.
type WebhookServer struct {
	app    *fiber.App
	disp   *Dispatcher
	host   string
	port   int
	limit  *rateLimiter
	health *health.Checker
}

func NewWebhookServer(host string, port, ratePerMinute int, disp *Dispatcher) *WebhookServer {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	s := &WebhookServer{
		app:   app,
		disp:  disp,
		host:  host,
		port:  port,
		limit: newRateLimiter(ratePerMinute),
	}

	app.Get("/health", s.handleHealth)
	app.Post("/webhook/:tag", s.handlePush)
	return s
}

// SetHealth attaches component probes to the health endpoint.
func (s *WebhookServer) SetHealth(h *health.Checker) {
	s.health = h
}

func (s *WebhookServer) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{"status": "ok", "time": time.Now().Unix()}
	if s.health != nil {
		components := fiber.Map{}
		for _, st := range s.health.Statuses() {
			components[st.Name] = st.Healthy
		}
		resp["components"] = components
		if !s.health.Healthy() {
			resp["status"] = "degraded"
		}
	}
	return c.JSON(resp)
}

func (s *WebhookServer) handlePush(c *fiber.Ctx) error {
	tag := c.Params("tag")
	if tag != SourceWebhook && tag != SourceWebhookFallback {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown source tag"})
	}
	if !s.limit.allow() {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limited"})
	}

	batch := decodeBatch(c.Body())
	if len(batch) > 0 {
		go s.processBatch(batch, tag)
	}

	// Always ok: the indexer retries on anything else, and a retry
	// cannot fix a payload we could not read.
	return c.JSON(fiber.Map{"ok": true})
}

// decodeBatch accepts both a JSON array and a single object.
func decodeBatch(body []byte) []*parser.WebhookTransaction {
	var batch []*parser.WebhookTransaction
	if err := json.Unmarshal(body, &batch); err == nil {
		return batch
	}
	var single parser.WebhookTransaction
	if err := json.Unmarshal(body, &single); err == nil && single.Signature != "" {
		return []*parser.WebhookTransaction{&single}
	}
	log.Warn().Int("bytes", len(body)).Msg("unreadable webhook payload")
	return nil
}

func (s *WebhookServer) processBatch(batch []*parser.WebhookTransaction, source string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("webhook batch processing panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	for _, raw := range batch {
		s.disp.HandleWebhookTx(ctx, raw, source)
	}
}

func (s *WebhookServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("webhook server listening")
	return s.app.Listen(addr)
}

func (s *WebhookServer) Shutdown() error {
	return s.app.Shutdown()
}
