package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"scene-talk/server/internal/analyzer"
	"scene-talk/server/internal/api"
	"scene-talk/server/internal/config"
	"scene-talk/server/internal/engine"
	"scene-talk/server/internal/llm"
	"scene-talk/server/internal/prompt"
	"scene-talk/server/internal/session"
	"scene-talk/server/internal/speech"
	"scene-talk/server/internal/validator"
)

func main() {
	// 参数用 flag，敏感信息（LLM/Azure key）走环境变量或本地 .env。
	addr := flag.String("addr", ":8080", "http listen address")
	configPath := flag.String("config", "server/configs/config.yaml", "config file path")
	flag.Parse()

	// .env 仅本地开发用，缺失不是错误。
	if err := godotenv.Load(); err == nil {
		log.Printf("loaded environment from .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		log.Fatalf("init llm client: %v", err)
	}

	composer := prompt.NewComposer(cfg.Session.HistoryWindow)
	audioStore := speech.NewInMemoryStore()

	var synth speech.Synthesizer
	if cfg.Speech.Enabled {
		synth = speech.NewAzureSynthesizer(cfg.Speech, audioStore)
	}

	eng := engine.New(
		cfg.Session,
		session.NewInMemoryStore(),
		llmClient,
		composer,
		validator.New(cfg.Validator.ForbiddenTerms),
		analyzer.New(llmClient, composer, cfg.Session.LLMTimeout),
		synth,
		time.Now,
	)

	server, err := api.NewServer(cfg, eng, audioStore)
	if err != nil {
		log.Fatalf("init server: %v", err)
	}

	log.Printf("scenetalk server listening on %s", *addr)
	if err := http.ListenAndServe(*addr, server.Routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
