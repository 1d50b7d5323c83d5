// Command questiongen asks the configured text-generation backend for one
// trivia question and prints it, optionally appending it to the question
// file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"go.uber.org/zap"
	"trivia_backend/internal/config"
	"trivia_backend/internal/generator"
	"trivia_backend/internal/logger"
	"trivia_backend/internal/questions"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	category := flag.String("category", "", "category for the generated question")
	save := flag.Bool("save", false, "append the question to the question file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg.Log.File = ""
	logg, err := logger.New(cfg.Log, cfg.Server.Mode)
	if err != nil {
		log.Fatal(err)
	}
	defer logg.Sync()

	if cfg.AI.APIKey == "" {
		logg.Fatal("OPENAI_API_KEY not set")
	}

	ctx := context.Background()
	q, err := generator.New(cfg.AI, logg).Generate(ctx, *category)
	if err != nil {
		logg.Fatal("generate question", zap.String("category", *category), zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(q); err != nil {
		logg.Fatal("encode question", zap.Error(err))
	}

	if !*save {
		return
	}
	store := questions.NewStore(cfg.Questions.File, logg)
	if err := store.Reload(); err != nil {
		logg.Fatal("load questions", zap.Error(err))
	}
	if err := store.Append(ctx, q); err != nil {
		logg.Fatal("append question", zap.Error(err))
	}
	logg.Info("question saved", zap.String("id", q.ID), zap.Int("total", store.Len()))
}
