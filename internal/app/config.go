package app

import (
	"strings"

	"github.com/clinext/extraction-engine/internal/orchestrator"
	"github.com/clinext/extraction-engine/internal/platform/envutil"
	"github.com/clinext/extraction-engine/internal/platform/logger"
)

// Config holds the process-level configuration: the orchestrator's
// pipeline tunables plus the HTTP transport address.
type Config struct {
	Orchestrator orchestrator.Config
	HTTPAddr     string
}

// LoadConfig reads every tunable from the environment, falling back to
// spec-default values (orchestrator.DefaultConfig) when unset.
func LoadConfig(log *logger.Logger) Config {
	def := orchestrator.DefaultConfig()

	cfg := orchestrator.Config{
		ThetaApply:         envutil.Float("THETA_APPLY", def.ThetaApply),
		ThetaAccept:        envutil.Float("THETA_ACCEPT", def.ThetaAccept),
		NMax:               envutil.Int("N_MAX", def.NMax),
		RMax:               envutil.Int("R_MAX", def.RMax),
		CJob:               envutil.Int("C_JOB", def.CJob),
		CGlobal:            envutil.Int("C_GLOBAL", def.CGlobal),
		TSec:               envutil.Duration("T_SEC", def.TSec),
		TJob:               envutil.Duration("T_JOB", def.TJob),
		TLlm:               envutil.Duration("T_LLM", def.TLlm),
		MaxTranscriptBytes: envutil.Int("MAX_TRANSCRIPT_BYTES", def.MaxTranscriptBytes),
		RetrievalTopK:      envutil.Int("RETRIEVAL_TOP_K", def.RetrievalTopK),
	}

	addr := strings.TrimSpace(envutil.String("HTTP_ADDR", ":8080"))

	log.Info("configuration loaded",
		"theta_apply", cfg.ThetaApply, "theta_accept", cfg.ThetaAccept,
		"n_max", cfg.NMax, "r_max", cfg.RMax,
		"c_job", cfg.CJob, "c_global", cfg.CGlobal,
		"t_sec", cfg.TSec.String(), "t_job", cfg.TJob.String(), "t_llm", cfg.TLlm.String(),
		"http_addr", addr,
	)

	return Config{Orchestrator: cfg, HTTPAddr: addr}
}
