package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Garsondee/fleet-command/internal/config"
	"github.com/Garsondee/fleet-command/internal/sim"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

func TestFirstTick(t *testing.T) {
	if got := firstTick(-1, 12); got != 12 {
		t.Fatalf("expected unset marker to take 12, got %d", got)
	}
	if got := firstTick(5, 12); got != 5 {
		t.Fatalf("expected earlier marker to stay 5, got %d", got)
	}
	if got := firstTick(20, 12); got != 12 {
		t.Fatalf("expected later marker to drop to 12, got %d", got)
	}
}

func TestNearestEnemy_IgnoresOwnTeam(t *testing.T) {
	self := &sim.Unit{ID: 1, Team: 0}
	friend := &sim.Unit{ID: 2, Team: 0, X: 10}
	near := &sim.Unit{ID: 3, Team: 1, X: 300}
	far := &sim.Unit{ID: 4, Team: 2, X: 900}

	got := nearestEnemy(self, []*sim.Unit{self, friend, far, near})
	if got != near {
		t.Fatalf("expected U3 as nearest enemy, got %+v", got)
	}
	if nearestEnemy(self, []*sim.Unit{self, friend}) != nil {
		t.Fatal("expected no enemy when only friendlies remain")
	}
}

func TestScript_OrdersAndFiresInRange(t *testing.T) {
	ts := sim.NewTestSim(
		sim.WithTeams(sim.TeamPlayer, sim.TeamAI),
		sim.WithUnit(0, 0, 0, 0),
		sim.WithUnit(1, 0, 400, 180),
	)
	// Interval 1 fires every tick.
	script(ts.State, fireRange, 1)

	for _, u := range ts.State.Registry.Units() {
		if !u.Autonomous {
			t.Fatalf("expected %s to be under autonomous orders", u.Label())
		}
	}
	if n := ts.State.Registry.ProjectileCount(); n != 2 {
		t.Fatalf("expected both ships to fire, got %d projectiles", n)
	}
}

func TestScript_HoldsFireOutOfRange(t *testing.T) {
	ts := sim.NewTestSim(
		sim.WithTeams(sim.TeamPlayer, sim.TeamAI),
		sim.WithUnit(0, 0, 0, 0),
		sim.WithUnit(1, 0, 5000, 180),
	)
	script(ts.State, fireRange, 1)
	if n := ts.State.Registry.ProjectileCount(); n != 0 {
		t.Fatalf("expected no projectiles beyond range, got %d", n)
	}
}

func TestRunSkirmish_IsDeterministic(t *testing.T) {
	a := runSkirmish(1, 99, 600, 2, 6, 500)
	b := runSkirmish(1, 99, 600, 2, 6, 500)

	if a.ticksRun != b.ticksRun || a.fired != b.fired || a.hits != b.hits || a.destroyed != b.destroyed {
		t.Fatalf("expected identical runs for one seed, got %+v vs %+v", a, b)
	}
}

func TestFormatAggregate(t *testing.T) {
	all := []runStats{
		{
			ticksRun: 100, fired: 10, hits: 5, destroyed: 2,
			firstFireTick: 4, firstHitTick: 30, firstDeathTick: 90,
			outcome: sim.BattleOutcomeReason{
				Outcome: sim.OutcomeVictory,
				Winner:  1,
				Teams: []sim.TeamResult{
					{Team: 0, Type: sim.TeamPlayer.String()},
					{Team: 1, Type: sim.TeamAI.String()},
				},
			},
		},
		{
			ticksRun: 300, fired: 10, hits: 0,
			firstFireTick: 8, firstHitTick: -1, firstDeathTick: -1,
			outcome: sim.BattleOutcomeReason{Outcome: sim.OutcomeDraw, Winner: -1},
		},
	}

	report := formatAggregate(all)
	for _, want := range []string{
		"runs=2",
		"outcomes=[draw=1,victory=1]",
		"winners=[" + sim.TeamAI.String() + "=1]",
		"fired=10.0 hits=2.5",
		"accuracy=25%",
		"avg_battle_ticks=200.0",
		"first_fire=6.0 first_hit=30.0 first_death=90.0",
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("expected report to contain %q, got:\n%s", want, report)
		}
	}
}

func TestJoinCountsEmpty(t *testing.T) {
	if got := joinCounts(nil); got != "none" {
		t.Fatalf("expected none, got %q", got)
	}
}

func TestSinks_ExportBattleMetrics(t *testing.T) {
	t.Cleanup(viper.Reset)
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	dir := t.TempDir()
	metricsFile := filepath.Join(dir, "metrics.json")
	cfg, err := json.Marshal(map[string]any{
		"logLevel": "error",
		"store":    map[string]any{"enabled": false},
		"metrics": map[string]any{
			"otel": map[string]any{"enabled": true, "file": metricsFile, "interval": "1h"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, config.FileName), cfg, 0o644); err != nil {
		t.Fatal(err)
	}

	out, closeSinks, err := openSinks(dir)
	if err != nil {
		t.Fatalf("openSinks: %v", err)
	}
	if out.provider == nil || out.store != nil {
		t.Fatalf("expected only the metrics provider, got provider=%v store=%v", out.provider, out.store)
	}
	out.record(runStats{
		runIndex: 1,
		outcome:  sim.BattleOutcomeReason{Outcome: sim.OutcomeDraw, Winner: -1},
	})
	closeSinks()

	data, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatalf("reading metrics file: %v", err)
	}
	if !strings.Contains(string(data), "fleet.battles.completed") {
		t.Fatalf("expected the battle counter in the export, got:\n%s", data)
	}
}

func TestOpenSinks_NoConfigDirRecordsNothing(t *testing.T) {
	out, closeSinks, err := openSinks("")
	if err != nil {
		t.Fatalf("openSinks: %v", err)
	}
	defer closeSinks()
	if out.provider != nil || out.store != nil || out.influx != nil {
		t.Fatal("expected no sinks without a config dir")
	}
	out.record(runStats{outcome: sim.BattleOutcomeReason{Outcome: sim.OutcomeDraw}})
}
