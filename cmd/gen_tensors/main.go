// gen_tensors writes a random named-tensor set in Arrow IPC form,
// matching the layout cmd/bolt loads. Useful for exercising the loading
// path without a converted model.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/23skdu/longbow-bolt/internal/engine"
	"github.com/23skdu/longbow-bolt/internal/logger"
	"github.com/23skdu/longbow-bolt/internal/weightsource"
)

var (
	outPath   = flag.String("o", "tensors.arrow", "Output path")
	dim       = flag.Int("dim", 64, "Model dimension")
	hiddenDim = flag.Int("hidden-dim", 256, "FFN hidden dimension")
	layers    = flag.Int("layers", 2, "Number of transformer layers")
	heads     = flag.Int("heads", 4, "Number of attention heads")
	kvHeads   = flag.Int("kv-heads", 2, "Number of KV heads")
	vocab     = flag.Int("vocab", 100, "Vocabulary size")
	seed      = flag.Int64("seed", 42, "RNG seed")
)

func main() {
	flag.Parse()
	logger.Setup("INFO", "text")

	rng := rand.New(rand.NewSource(*seed))
	headDim := *dim / *heads
	kvDim := *kvHeads * headDim

	tensors := make(map[string]engine.Tensor)
	add := func(name string, rows, cols int) {
		data := make([]float32, rows*cols)
		for i := range data {
			data[i] = (rng.Float32()*2 - 1) * 0.08
		}
		tensors[name] = engine.Tensor{Data: data, Shape: []int{rows, cols}}
	}
	ones := func(name string, n int) {
		data := make([]float32, n)
		for i := range data {
			data[i] = 1.0
		}
		tensors[name] = engine.Tensor{Data: data, Shape: []int{n}}
	}

	add("token_embd.weight", *vocab, *dim)
	ones("output_norm.weight", *dim)
	for l := 0; l < *layers; l++ {
		prefix := fmt.Sprintf("blk.%d.", l)
		ones(prefix+"attn_norm.weight", *dim)
		add(prefix+"attn_q.weight", *heads*headDim, *dim)
		add(prefix+"attn_k.weight", kvDim, *dim)
		add(prefix+"attn_v.weight", kvDim, *dim)
		add(prefix+"attn_output.weight", *dim, *heads*headDim)
		ones(prefix+"ffn_norm.weight", *dim)
		add(prefix+"ffn_gate.weight", *hiddenDim, *dim)
		add(prefix+"ffn_up.weight", *hiddenDim, *dim)
		add(prefix+"ffn_down.weight", *dim, *hiddenDim)
	}

	f, err := os.Create(*outPath)
	if err != nil {
		logger.Log.Error("create failed", "error", err.Error())
		os.Exit(1)
	}
	defer f.Close()

	if err := weightsource.WriteIPC(f, tensors); err != nil {
		logger.Log.Error("write failed", "error", err.Error())
		os.Exit(1)
	}
	logger.Log.Info("tensor set written", "path", *outPath, "tensors", len(tensors))
}
