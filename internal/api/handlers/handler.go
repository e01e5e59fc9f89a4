package handlers

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/registry"
	"github.com/troikatech/voicebridge/internal/session"
	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/pkg/env"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/mongo"
	"github.com/troikatech/voicebridge/pkg/telephonyapi"
)

// Handler holds every collaborator the HTTP/WebSocket surface needs. It
// replaces the monolithic Exotel/OpenAI-specific handler this package used
// to carry: call bridging now lives entirely in internal/session, and this
// type's job is to accept connections and requests, then hand them off.
type Handler struct {
	cfg *env.Config

	redisClient *redis.Client
	mongoClient *mongo.Client

	registry  *registry.Registry
	store     *store.Store
	telephony *telephonyapi.Client

	logger *zap.Logger
}

// NewHandler wires the composition root's collaborators into a Handler.
// mongoClient, redisClient and telephony may be nil where that backend is
// disabled; callers already degrade gracefully (store.New accepts a nil
// mongo client, telephony client is only required by outbound-call routes).
func NewHandler(cfg *env.Config, redisClient *redis.Client, mongoClient *mongo.Client,
	reg *registry.Registry, st *store.Store, tel *telephonyapi.Client) *Handler {
	return &Handler{
		cfg:         cfg,
		redisClient: redisClient,
		mongoClient: mongoClient,
		registry:    reg,
		store:       st,
		telephony:   tel,
		logger:      logger.Log,
	}
}

// sessionTimeouts resolves session.Timeouts from config, used by every
// route that constructs a new Session.
func (h *Handler) sessionTimeouts() session.Timeouts {
	return session.Timeouts{
		Configuring:    time.Duration(h.cfg.ConfiguringTimeoutMs) * time.Millisecond,
		ReadyActive:    time.Duration(h.cfg.ReadyTimeoutMs) * time.Millisecond,
		AISessionReady: time.Duration(h.cfg.AISessionReadyMs) * time.Millisecond,
	}
}

// sessionDeps resolves session.Deps from config, used by every route that
// constructs a new Session.
func (h *Handler) sessionDeps() session.Deps {
	return session.Deps{
		Registry:             h.registry,
		Store:                h.store,
		Logger:               h.logger,
		EventLogCap:          h.cfg.EventLogCap,
		EarlyAudioBufferMs:   h.cfg.EarlyAudioBufferMs,
		RecorderEnabled:      h.cfg.RecorderEnabled,
		RecorderDir:          h.cfg.RecorderDir,
		ObserverQueueDepth:   h.cfg.ObserverQueueDepth,
		ObserverMaxOverflows: h.cfg.ObserverMaxOverflows,
	}
}
