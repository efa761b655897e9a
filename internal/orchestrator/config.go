package orchestrator

import "time"

// Config holds the engine's named tunables.
type Config struct {
	ThetaApply  float64       // minimum preference confidence to apply, default 0.7
	ThetaAccept float64       // minimum section confidence to accept, default 0.6
	NMax        int           // max ontology concepts returned per term, default 5
	RMax        int           // max repair retries per section, default 3
	CJob        int           // per-job concurrent section cap, default 4
	CGlobal     int           // global in-flight section cap
	TSec        time.Duration // per-section generation timeout, default 30s
	TJob        time.Duration // per-job overall timeout, default 20m
	TLlm        time.Duration // per-LLM-call timeout, default 20s
	MaxTranscriptBytes int
	RetrievalTopK       int
}

func DefaultConfig() Config {
	return Config{
		ThetaApply:          0.7,
		ThetaAccept:         0.6,
		NMax:                5,
		RMax:                3,
		CJob:                4,
		CGlobal:             32,
		TSec:                30 * time.Second,
		TJob:                20 * time.Minute,
		TLlm:                20 * time.Second,
		MaxTranscriptBytes:  10 * 1024 * 1024,
		RetrievalTopK:       8,
	}
}
