package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Garsondee/fleet-command/internal/config"
	"github.com/Garsondee/fleet-command/internal/logging"
	"github.com/Garsondee/fleet-command/internal/metrics"
	"github.com/Garsondee/fleet-command/internal/sim"
	"github.com/Garsondee/fleet-command/internal/store"
	"github.com/atotto/clipboard"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Scripted fleet behaviour for the skirmish scenario.
const (
	fireRange    = 600.0
	fireInterval = 90 // ticks between volleys per ship
)

type runStats struct {
	runIndex int
	seed     int64
	session  uuid.UUID

	ticksRun int
	outcome  sim.BattleOutcomeReason

	fired     int
	hits      int
	rams      int
	destroyed int
	arrivals  int

	firstFireTick  int
	firstHitTick   int
	firstRamTick   int
	firstDeathTick int
}

type sinks struct {
	log      zerolog.Logger
	metrics  *metrics.Recorder
	provider *metrics.Provider
	store    *store.Store
	influx   *metrics.InfluxSink
}

func main() {
	var runs int
	var ticks int
	var seedBase int64
	var seedStep int64
	var teams int
	var units int
	var extent float64
	var configDir string
	var copyReport bool

	flag.IntVar(&runs, "runs", 5, "number of headless simulation runs")
	flag.IntVar(&ticks, "ticks", 36000, "maximum ticks per run")
	flag.Int64Var(&seedBase, "seed-base", 42, "base RNG seed for run 1")
	flag.Int64Var(&seedStep, "seed-step", 1, "seed increment between runs")
	flag.IntVar(&teams, "teams", 4, "fleets per battle")
	flag.IntVar(&units, "units", 20, "battleships per battle")
	flag.Float64Var(&extent, "extent", 1000, "spawn half-width in world units")
	flag.StringVar(&configDir, "config", "", "directory holding the config file; enables the store and InfluxDB sinks it configures")
	flag.BoolVar(&copyReport, "copy", false, "copy the aggregate report to the clipboard")
	flag.Parse()

	if runs <= 0 {
		fmt.Println("error: -runs must be > 0")
		return
	}
	if ticks <= 0 {
		fmt.Println("error: -ticks must be > 0")
		return
	}
	if teams < 1 {
		fmt.Println("error: -teams must be > 0")
		return
	}
	if units < 0 || extent <= 0 {
		fmt.Println("error: -units must be >= 0 and -extent > 0")
		return
	}

	out, closeSinks, err := openSinks(configDir)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	defer closeSinks()

	fmt.Printf("=== Headless Battle Report ===\n")
	fmt.Printf("scenario=skirmish runs=%d max_ticks=%d teams=%d units=%d extent=%.0f seed_base=%d seed_step=%d\n\n",
		runs, ticks, teams, units, extent, seedBase, seedStep)

	all := make([]runStats, 0, runs)
	for i := 0; i < runs; i++ {
		seed := seedBase + int64(i)*seedStep
		stats := runSkirmish(i+1, seed, ticks, teams, units, extent)
		all = append(all, stats)
		printRun(stats)
		out.record(stats)
	}

	report := formatAggregate(all)
	fmt.Print(report)
	if copyReport {
		if err := clipboard.WriteAll(report); err != nil {
			fmt.Printf("error: copying report: %v\n", err)
		} else {
			fmt.Println("aggregate report copied to clipboard")
		}
	}
}

// openSinks loads the config in dir, if any, and opens the battle store and
// InfluxDB sink it enables.
func openSinks(dir string) (*sinks, func(), error) {
	s := &sinks{log: zerolog.Nop(), metrics: metrics.Discard()}
	if dir == "" {
		return s, func() {}, nil
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, nil, err
	}
	log, closeLog, err := logging.Setup(cfg.Logging(), os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	s.log = log
	provider, err := metrics.NewProvider(cfg.Metrics.OTel)
	if err != nil {
		log.Warn().Err(err).Msg("OpenTelemetry metrics disabled")
	} else if provider.Enabled() {
		s.provider = provider
		if rec, err := metrics.NewRecorder(nil); err != nil {
			log.Warn().Err(err).Msg("OpenTelemetry metrics disabled")
		} else {
			s.metrics = rec
		}
	}
	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store, log)
		if err != nil {
			log.Warn().Err(err).Msg("Battle store disabled")
		} else {
			s.store = st
		}
	}
	if cfg.Metrics.Influx.Enabled {
		s.influx = metrics.NewInfluxSink(cfg.Metrics.Influx, log)
	}
	return s, func() {
		if s.provider != nil {
			if err := s.provider.Shutdown(context.Background()); err != nil {
				s.log.Warn().Err(err).Msg("Failed to flush metrics")
			}
		}
		if s.store != nil {
			_ = s.store.Close()
		}
		if s.influx != nil {
			s.influx.Close()
		}
		closeLog()
	}, nil
}

func (s *sinks) record(rs runStats) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.metrics.RecordBattle(ctx, rs.outcome)
	if s.store != nil {
		rec, err := store.NewBattleRecord(rs.session, rs.seed, rs.outcome)
		if err == nil {
			err = s.store.Save(ctx, rec)
		}
		if err != nil {
			s.log.Warn().Err(err).Int("run", rs.runIndex).Msg("Failed to save battle")
		}
	}
	if s.influx != nil {
		if err := s.influx.WriteBattle(ctx, rs.session.String(), rs.seed, rs.outcome); err != nil {
			s.log.Warn().Err(err).Int("run", rs.runIndex).Msg("Failed to push battle to InfluxDB")
		}
	}
}

// runSkirmish plays a battle with every fleet under the same script: each
// ship steers for its nearest enemy and fires at it when in range.
func runSkirmish(runIndex int, seed int64, ticks, teams, units int, extent float64) runStats {
	ts := sim.NewTestSim(
		sim.WithSeed(seed),
		sim.WithRandomTeams(teams),
		sim.WithRandomUnits(units, extent),
	)
	rs := runStats{
		runIndex:       runIndex,
		seed:           seed,
		session:        uuid.New(),
		firstFireTick:  -1,
		firstHitTick:   -1,
		firstRamTick:   -1,
		firstDeathTick: -1,
	}

	for i := 0; i < ticks; i++ {
		script(ts.State, fireRange, fireInterval)
		rep := ts.Step(sim.Input{})
		rs.ticksRun = rep.Tick
		rs.arrivals += rep.Arrivals
		if sim.DetermineBattleOutcome(ts.State).Outcome != sim.OutcomeOngoing {
			break
		}
	}
	rs.outcome = sim.DetermineBattleOutcome(ts.State)

	for _, e := range ts.SimLog.Entries() {
		switch {
		case e.Category == "weapons" && e.Key == "fired":
			rs.fired++
			rs.firstFireTick = firstTick(rs.firstFireTick, e.Tick)
		case e.Category == "damage" && e.Key == "hit":
			rs.hits++
			rs.firstHitTick = firstTick(rs.firstHitTick, e.Tick)
		case e.Category == "damage" && e.Key == "ram":
			rs.rams++
			rs.firstRamTick = firstTick(rs.firstRamTick, e.Tick)
		case e.Category == "damage" && e.Key == "destroyed":
			rs.destroyed++
			rs.firstDeathTick = firstTick(rs.firstDeathTick, e.Tick)
		}
	}
	return rs
}

// script issues this tick's orders for every ship. Ships fire on a
// staggered cadence so a fleet does not volley in lockstep.
func script(st *sim.SimulationState, rangeLimit float64, interval int) {
	ships := st.Registry.Units()
	for _, u := range ships {
		target := nearestEnemy(u, ships)
		if target == nil {
			continue
		}
		st.OrderMove(u.ID, target.X, target.Y)
		if interval > 0 && (st.Ticks+int(u.ID))%interval == 0 &&
			sim.Distance(u.X, u.Y, target.X, target.Y) <= rangeLimit {
			st.FireAt(u.ID, target.X, target.Y)
		}
	}
}

func nearestEnemy(u *sim.Unit, ships []*sim.Unit) *sim.Unit {
	var best *sim.Unit
	bestD := math.Inf(1)
	for _, o := range ships {
		if o.Team == u.Team {
			continue
		}
		if d := sim.Distance(u.X, u.Y, o.X, o.Y); d < bestD {
			best, bestD = o, d
		}
	}
	return best
}

func firstTick(cur, tick int) int {
	if cur < 0 || tick < cur {
		return tick
	}
	return cur
}

func printRun(rs runStats) {
	fmt.Printf("--- Run %d (seed=%d) ---\n", rs.runIndex, rs.seed)
	fmt.Printf("session=%s ticks=%d elapsed=%.1fs outcome=%s\n",
		rs.session, rs.ticksRun, rs.outcome.Elapsed, rs.outcome.Outcome)
	fmt.Printf("events: fired=%d hits=%d rams=%d destroyed=%d arrivals=%d accuracy=%s\n",
		rs.fired, rs.hits, rs.rams, rs.destroyed, rs.arrivals, percent(rs.hits, rs.fired))
	fmt.Printf("phase_markers: first_fire=%s first_hit=%s first_ram=%s first_death=%s\n",
		tickString(rs.firstFireTick), tickString(rs.firstHitTick), tickString(rs.firstRamTick), tickString(rs.firstDeathTick))
	fmt.Print(rs.outcome.Report())
	fmt.Println()
}

func formatAggregate(all []runStats) string {
	var b strings.Builder
	totalFired, totalHits, totalRams, totalDestroyed := 0, 0, 0, 0
	outcomes := map[string]int{}
	winnerTypes := map[string]int{}
	var fireTicks, hitTicks, deathTicks, lengths []int

	for _, rs := range all {
		totalFired += rs.fired
		totalHits += rs.hits
		totalRams += rs.rams
		totalDestroyed += rs.destroyed
		outcomes[rs.outcome.Outcome.String()]++
		if rs.outcome.Outcome == sim.OutcomeVictory {
			for _, t := range rs.outcome.Teams {
				if t.Team == rs.outcome.Winner {
					winnerTypes[t.Type]++
				}
			}
		}
		lengths = append(lengths, rs.ticksRun)
		if rs.firstFireTick >= 0 {
			fireTicks = append(fireTicks, rs.firstFireTick)
		}
		if rs.firstHitTick >= 0 {
			hitTicks = append(hitTicks, rs.firstHitTick)
		}
		if rs.firstDeathTick >= 0 {
			deathTicks = append(deathTicks, rs.firstDeathTick)
		}
	}

	n := len(all)
	fmt.Fprintln(&b, "=== Aggregate ===")
	fmt.Fprintf(&b, "runs=%d outcomes=[%s] winners=[%s]\n", n, joinCounts(outcomes), joinCounts(winnerTypes))
	fmt.Fprintf(&b, "avg_events_per_run: fired=%.1f hits=%.1f rams=%.1f destroyed=%.1f\n",
		avg(totalFired, n), avg(totalHits, n), avg(totalRams, n), avg(totalDestroyed, n))
	fmt.Fprintf(&b, "accuracy=%s avg_battle_ticks=%s\n", percent(totalHits, totalFired), avgTickString(lengths))
	fmt.Fprintf(&b, "phase_marker_avg_ticks: first_fire=%s first_hit=%s first_death=%s\n",
		avgTickString(fireTicks), avgTickString(hitTicks), avgTickString(deathTicks))
	return b.String()
}

func avg(sum int, n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

func avgTickString(vals []int) string {
	if len(vals) == 0 {
		return "n/a"
	}
	sum := 0
	for _, v := range vals {
		sum += v
	}
	return fmt.Sprintf("%.1f", float64(sum)/float64(len(vals)))
}

func tickString(tick int) string {
	if tick < 0 {
		return "n/a"
	}
	return fmt.Sprintf("%d", tick)
}

func percent(num, den int) string {
	if den <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", float64(num)/float64(den)*100)
}

func joinCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, ",")
}
