package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/checkpoint"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/data"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/model"
)

type GenerateRequest struct {
	Rows        int     `json:"rows"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	Seed        int64   `json:"seed"`
}

type GenerateResponse struct {
	ID          string   `json:"id"`
	Created     int64    `json:"created"`
	Dataset     string   `json:"dataset"`
	Rows        []string `json:"rows"`
	TokensTotal int      `json:"tokens_total"`
	Seed        int64    `json:"seed"`
}

type CheckpointInfo struct {
	Path        string  `json:"path"`
	Dataset     string  `json:"dataset"`
	Step        int     `json:"step"`
	BestValLoss float64 `json:"best_val_loss"`
	CreatedAt   string  `json:"created_at"`
	NLayer      int     `json:"n_layer"`
	NHead       int     `json:"n_head"`
	NEmbd       int     `json:"n_embd"`
	BlockSize   int     `json:"block_size"`
	VocabSize   int     `json:"vocab_size"`
	Params      int     `json:"params"`
}

var (
	gpt      *model.GPT
	codec    *data.Codec
	info     CheckpointInfo
	reqCount atomic.Int64
)

func initModel() {
	path := os.Getenv("MODEL_PATH")
	if path == "" {
		root := os.Getenv("OUTPUT_ROOT")
		if root == "" {
			root = "out"
		}
		latest := filepath.Join(root, checkpoint.LatestFileName)
		if _, err := os.Stat(latest); err == nil {
			path = latest
		} else if run, ok := checkpoint.LatestRun(root); ok {
			path = filepath.Join(run.Path, checkpoint.FileName)
		} else {
			log.Fatalf("no checkpoint under %s; set MODEL_PATH or train first", root)
		}
	}
	log.Printf("loading checkpoint from %s", path)

	rec, err := checkpoint.LoadPath(path)
	if err != nil {
		log.Fatalf("load checkpoint: %v", err)
	}
	codec, err = data.CodecFromVocab(rec.Vocab)
	if err != nil {
		log.Fatalf("rebuild vocab: %v", err)
	}
	gpt, err = model.FromState(model.Config{
		NLayer:    rec.RunConfig.Model.NLayer,
		NHead:     rec.RunConfig.Model.NHead,
		NEmbd:     rec.RunConfig.Model.NEmbd,
		BlockSize: rec.RunConfig.BlockSize,
		VocabSize: codec.VocabSize(),
		Dropout:   rec.RunConfig.Model.Dropout,
		Bias:      rec.RunConfig.Model.Bias,
	}, rec.ModelState)
	if err != nil {
		log.Fatalf("rebuild model: %v", err)
	}

	info = CheckpointInfo{
		Path:        path,
		Dataset:     rec.RunConfig.DatasetID,
		Step:        rec.Step,
		BestValLoss: rec.BestValLoss,
		CreatedAt:   rec.CreatedAt,
		NLayer:      rec.RunConfig.Model.NLayer,
		NHead:       rec.RunConfig.Model.NHead,
		NEmbd:       rec.RunConfig.Model.NEmbd,
		BlockSize:   rec.RunConfig.BlockSize,
		VocabSize:   codec.VocabSize(),
		Params:      gpt.NumParams(),
	}
	log.Printf("model ready: dataset=%s step=%d params=%d vocab=%d", info.Dataset, info.Step, info.Params, info.VocabSize)
}

func handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Rows <= 0 {
		req.Rows = 1
	}
	if req.Rows > 64 {
		req.Rows = 64
	}
	if req.MaxTokens <= 0 || req.MaxTokens > info.BlockSize {
		req.MaxTokens = info.BlockSize
	}
	if req.Temperature <= 0 {
		req.Temperature = 0.8
	}
	if req.Seed == 0 {
		req.Seed = time.Now().UnixNano()
	}

	rng := rand.New(rand.NewSource(req.Seed))
	rows := make([]string, 0, req.Rows)
	total := 0
	start := time.Now()
	for i := 0; i < req.Rows; i++ {
		ids := gpt.Generate(codec.BosID, req.MaxTokens, req.Temperature, req.TopK, rng)
		total += len(ids)
		rows = append(rows, strings.TrimRight(codec.Decode(ids), "\n"))
	}

	n := reqCount.Add(1)
	log.Printf("generate rows=%d tokens=%d temp=%.2f top_k=%d seed=%d took=%s", req.Rows, total, req.Temperature, req.TopK, req.Seed, time.Since(start).Round(time.Millisecond))

	resp := GenerateResponse{
		ID:          fmt.Sprintf("gen-%d-%d", time.Now().Unix(), n),
		Created:     time.Now().Unix(),
		Dataset:     info.Dataset,
		Rows:        rows,
		TokensTotal: total,
		Seed:        req.Seed,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "RubikGPT sampling server.\n\nEndpoints:\n- POST /v1/generate\n- GET /v1/checkpoint\n")
}

func main() {
	initModel()

	http.HandleFunc("/", handleRoot)
	http.HandleFunc("/v1/generate", handleGenerate)
	http.HandleFunc("/v1/checkpoint", handleCheckpoint)

	port := os.Getenv("PORT")
	if port == "" {
		port = "7860"
	}
	log.Printf("listening on port %s", port)
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server: %v", err)
	}
}
