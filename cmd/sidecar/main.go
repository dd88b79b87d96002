package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/auth"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/chatstore"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/config"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/coordination"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/coordwire"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/dispatch"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/filter"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/history"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/httpapi"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/inbound"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/llmgateway"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/metrics"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/models"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/roundstore"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/supervisor"
)

func main() {
	if err := initTracer(); err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	log.Println("Connecting to PostgreSQL database...")
	var store *chatstore.Store
	for i := 0; i < 10; i++ {
		store, err = chatstore.New(ctx, cfg.DatabaseURL)
		if err == nil {
			break
		}
		log.Printf("Waiting for database... (attempt %d/10): %v", i+1, err)
		time.Sleep(3 * time.Second)
	}
	if err != nil {
		log.Fatalf("Failed to connect to database after retries: %v", err)
	}
	defer store.Close()
	log.Println("Connected to PostgreSQL database")

	jwtManager, err := auth.NewJWTManager()
	if err != nil {
		log.Fatalf("Failed to initialize JWT manager: %v", err)
	}

	coordMetrics, err := metrics.New()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	loader := history.NewWithPollInterval(store, cfg.SynthesisPollInterval)
	gatewayClient := llmgateway.New(cfg.GatewayURL, cfg.GatewayCallTimeout)
	proposer := coordination.NewGatewayProposer(gatewayClient, cfg.GatewayCallTimeout, cfg.AgentID, cfg.GatewayInflightMax, coordMetrics)
	writer := &httpChatWriter{baseURL: cfg.ChatWriteURL, httpClient: &http.Client{Timeout: 10 * time.Second}}

	holderCfg := dispatch.Config{
		MyName:        cfg.AgentName,
		Backstop:      cfg.DispatchBackstop,
		DeferBackstop: cfg.DeferBackstop,
		SynthesisWait: cfg.SynthesisWait,
		DispatchedTTL: cfg.DispatchedTTL,
		Metrics:       coordMetrics,
	}
	var holder *dispatch.Holder
	holder = dispatch.New(holderCfg, func(ctx context.Context, chatID, text, userID, roundID string) {
		reply, err := writer.DispatchReply(ctx, chatID, text, userID)
		if err != nil {
			log.Printf(`{"level":"error","message":"dispatch reply failed","chat_id":"%s","error":"%v"}`, chatID, err)
			return
		}
		if roundID != "" {
			holder.WriteReply(ctx, roundID, chatID, reply)
		}
	}, loader)

	poster := &coordPoster{store: store, httpClient: &http.Client{Timeout: 10 * time.Second}, writeURL: cfg.ChatWriteURL}

	engineCfg := coordination.Config{
		MyName:         cfg.AgentName,
		Protocol:       "v2",
		RoundDeadline:  cfg.MaxRoundDuration,
		CleanupDelay:   cfg.CleanupDuration,
		DepthCap:       cfg.DepthCap,
		GatewayTimeout: cfg.GatewayCallTimeout,
		Thresholds: filter.Thresholds{
			Gap:     cfg.ConfidenceGap,
			Overlap: cfg.Overlap,
			High:    cfg.High,
			Low:     cfg.Low,
			Synth:   cfg.Synth,
			Epsilon: cfg.Epsilon,
		},
		Layer2InflightMax: cfg.Layer2InflightMax,
		ContentDedupTTL:   cfg.DedupContentTTL,
		Metrics:           coordMetrics,
	}
	engine := coordination.New(engineCfg, roundstore.New(), proposer, poster, holder, loader)

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+mustAgentToken(jwtManager, cfg.AgentID))

	in := inbound.New(store, inbound.Config{
		BotID:          cfg.AgentID,
		DispatchURL:    cfg.ChatDispatchURL,
		CoordURL:       cfg.ChatRealtimeURL,
		Header:         header,
		IDTTL:          cfg.DedupIDTTL,
		PollInterval:   cfg.SafetyNetPollInterval,
		HealthInterval: cfg.HealthKeepalive,
		PollLimit:      50,
		Metrics:        coordMetrics,
	}, func(chatID, text, userID, messageID, speaker string) {
		dctx := context.Background()
		mentioned, isMe := dispatch.HardRoutingBypass(text, cfg.AgentName, otherAgentNames(engine, chatID, cfg.AgentName))
		if mentioned && !isMe {
			return
		}
		holder.Hold(dctx, messageID, chatID, text, userID)
		if mentioned && isMe {
			holder.ApplyDecision(dctx, messageID, models.DispatchDecision{ShouldRespond: true})
			return
		}
		engine.StartRound(dctx, messageID, chatID, text)
	}, func(raw []byte) {
		rec, err := coordwire.Decode(raw)
		if err != nil {
			log.Printf(`{"level":"info","message":"coordination record dropped","error":"%v"}`, err)
			return
		}
		engine.HandleCoordinationRecord(context.Background(), rec)
	})

	if err := in.Quarantine(ctx); err != nil {
		log.Fatalf("Failed boot quarantine: %v", err)
	}
	in.RunBackground(ctx)

	sup := supervisor.New(func(ctx context.Context) (supervisor.Session, error) {
		return in.Connect(ctx)
	}, supervisor.Backoff{
		Initial: cfg.Backoff.Initial,
		Max:     cfg.Backoff.Max,
		Factor:  cfg.Backoff.Factor,
		Jitter:  cfg.Backoff.Jitter,
	})
	go sup.Run(ctx)
	defer sup.Stop()

	router := httpapi.New(store, engine, jwtManager)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting coordination sidecar for agent %s on port %s\n", cfg.AgentID, cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down sidecar...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Sidecar exited")
}

func initTracer() error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return nil
}

// mustAgentToken mints the long-lived bearer token this instance presents
// to the chat backend's realtime stream. Boot-fatal on failure: without it
// the sidecar cannot authenticate its own subscription.
func mustAgentToken(jwtManager *auth.JWTManager, agentID string) string {
	token, err := jwtManager.GenerateToken(context.Background(), agentID, 24*time.Hour)
	if err != nil {
		log.Fatalf("Failed to mint agent token: %v", err)
	}
	return token
}

// otherAgentNames returns the agent names the register has seen speak in
// chatID, excluding myName, for the hard-routing @-mention bypass check.
func otherAgentNames(engine *coordination.Engine, chatID, myName string) []string {
	reg := engine.Register(chatID)
	names := make([]string, 0, len(reg.RecentAngles))
	for _, entry := range reg.RecentAngles {
		if entry.Agent == myName {
			continue
		}
		names = append(names, entry.Agent)
	}
	return names
}

// coordPoster publishes a coordination record to both the durable store
// (for history replay) and the chat backend's realtime stream (best-effort,
// per the "log, don't fail the round" policy on the publish side).
type coordPoster struct {
	store      *chatstore.Store
	httpClient *http.Client
	writeURL   string
}

func (p *coordPoster) PostCoordination(ctx context.Context, content string) error {
	rec, err := coordwire.Decode([]byte(content))
	if err != nil {
		return fmt.Errorf("cmd/sidecar: decode outgoing coordination record: %w", err)
	}

	if err := p.store.InsertCoordinationRecord(ctx, chatstore.CoordinationRow{
		SourceChatID: rec.SourceChatID,
		RoundID:      rec.RoundID,
		Kind:         string(rec.Kind),
		Payload:      []byte(content),
	}); err != nil {
		return fmt.Errorf("cmd/sidecar: persist coordination record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.writeURL+"/coordination", bytes.NewReader([]byte(content)))
	if err != nil {
		log.Printf(`{"level":"warn","message":"coordination publish request build failed","error":"%v"}`, err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Printf(`{"level":"warn","message":"coordination publish failed","error":"%v"}`, err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf(`{"level":"warn","message":"coordination publish rejected","status":%d}`, resp.StatusCode)
	}
	return nil
}

// httpChatWriter is the stub ChatWriter: it POSTs to the chat backend's
// write API. The chat backend's actual reply-threading semantics live
// outside this repository; this is enough to exercise the interface
// boundary the dispatch holder and the coordination engine depend on.
type httpChatWriter struct {
	baseURL    string
	httpClient *http.Client
}

func (w *httpChatWriter) DispatchReply(ctx context.Context, chatID, text, userID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/chats/"+chatID+"/messages", bytes.NewReader([]byte(text)))
	if err != nil {
		return "", fmt.Errorf("httpChatWriter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("httpChatWriter: dispatch reply: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("httpChatWriter: dispatch reply: status %d", resp.StatusCode)
	}
	return text, nil
}

func (w *httpChatWriter) SendOutbound(ctx context.Context, chatID, text string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/chats/"+chatID+"/outbound", bytes.NewReader([]byte(text)))
	if err != nil {
		return fmt.Errorf("httpChatWriter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpChatWriter: send outbound: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("httpChatWriter: send outbound: status %d", resp.StatusCode)
	}
	return nil
}
