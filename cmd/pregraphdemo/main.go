// Command pregraphdemo runs a small confidence-based routing workflow
// through the pregraph engine, printing lifecycle events as they occur.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/dshills/pregraph/graph"
	"github.com/dshills/pregraph/graph/emit"
)

func main() {
	fmt.Println("pregraph routing demo")
	fmt.Println("=====================")
	fmt.Println()

	b := graph.NewBuilder("routing-demo")

	analyze := func(ctx context.Context, inputs map[string]any, rc graph.Context) (any, error) {
		query, _ := inputs["query"].(string)
		fmt.Printf("[analyze] query=%q\n", query)
		return map[string]any{
			"response":   fmt.Sprintf("draft response to: %s", query),
			"confidence": 0.65,
			"attempts":   1,
		}, nil
	}

	refine := func(ctx context.Context, inputs map[string]any, rc graph.Context) (any, error) {
		confidence, _ := inputs["confidence"].(float64)
		attempts, _ := inputs["attempts"].(int)
		confidence += 0.2
		if confidence > 0.95 {
			confidence = 0.95
		}
		fmt.Printf("[refine] attempt=%d confidence=%.2f\n", attempts, confidence)
		return map[string]any{
			"response":   fmt.Sprintf("%v [refined]", inputs["response"]),
			"confidence": confidence,
			"attempts":   attempts + 1,
		}, nil
	}

	validate := func(ctx context.Context, inputs map[string]any, rc graph.Context) (any, error) {
		confidence, _ := inputs["confidence"].(float64)
		validated := confidence >= 0.80
		fmt.Printf("[validate] confidence=%.2f validated=%v\n", confidence, validated)
		return map[string]any{"validated": validated}, nil
	}

	if err := b.AddNode("analyze", analyze, graph.NodeConfig{}); err != nil {
		log.Fatalf("add analyze: %v", err)
	}
	if err := b.AddNode("refine", refine, graph.NodeConfig{RetryCount: 1}); err != nil {
		log.Fatalf("add refine: %v", err)
	}
	if err := b.AddNode("validate", validate, graph.NodeConfig{}); err != nil {
		log.Fatalf("add validate: %v", err)
	}
	if err := b.SetStart("analyze"); err != nil {
		log.Fatalf("set start: %v", err)
	}

	lowConfidence := func(outputs, state map[string]any) bool {
		c, _ := outputs["confidence"].(float64)
		return c < 0.80
	}
	highConfidence := func(outputs, state map[string]any) bool {
		c, _ := outputs["confidence"].(float64)
		return c >= 0.80
	}
	refineLoop := func(outputs, state map[string]any) bool {
		c, _ := outputs["confidence"].(float64)
		a, _ := outputs["attempts"].(int)
		return c < 0.80 && a < 3
	}
	refineDone := func(outputs, state map[string]any) bool {
		c, _ := outputs["confidence"].(float64)
		a, _ := outputs["attempts"].(int)
		return c >= 0.80 || a >= 3
	}

	if err := b.AddEdge("analyze", "refine", lowConfidence); err != nil {
		log.Fatalf("connect analyze->refine: %v", err)
	}
	if err := b.AddEdge("analyze", "validate", highConfidence); err != nil {
		log.Fatalf("connect analyze->validate: %v", err)
	}
	if err := b.AddEdge("refine", "refine", refineLoop); err != nil {
		log.Fatalf("connect refine->refine: %v", err)
	}
	if err := b.AddEdge("refine", "validate", refineDone); err != nil {
		log.Fatalf("connect refine->validate: %v", err)
	}

	g, err := b.Build()
	if err != nil {
		log.Fatalf("build graph: %v", err)
	}

	registry := graph.NewPrometheusMetrics(nil)
	cfg := graph.NewEngineConfig(
		graph.WithMaxIterations(10),
		graph.WithDefaultMergeStrategy(graph.StrategyOverwrite),
		graph.WithDefaultNodeTimeout(0),
		graph.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
		graph.WithMetrics(registry),
		graph.WithSeed(42),
	)

	engine := graph.NewEngine(g, cfg)

	result, err := engine.Run(context.Background(), "routing-demo-run-001", map[string]any{
		"query": "what is the meaning of life?",
	})
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}

	fmt.Println()
	fmt.Printf("terminated by: %s\n", result.TerminatedBy)
	fmt.Printf("supersteps executed: %d\n", result.SuperstepsExecuted)
	fmt.Printf("final state: %+v\n", result.FinalState)
	for id, stats := range result.NodeStats {
		fmt.Printf("  node %-10s runs=%d failures=%d total_duration=%s\n", id, stats.Runs, stats.Failures, stats.TotalDuration)
	}
}
