package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"cnc-twin/internal/analytics"
	"cnc-twin/internal/backtest"
	"cnc-twin/internal/client"
	"cnc-twin/internal/common"
	"cnc-twin/internal/features"
	"cnc-twin/internal/ml"
	"cnc-twin/internal/server"
	"cnc-twin/internal/storage"
	"cnc-twin/internal/stream"
	"cnc-twin/internal/synth"
	"cnc-twin/internal/telemetry"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// --- cnctwin generate ---

var (
	genRows       int
	genMachines   int
	genOperations int
	genSeed       int64
	genOutput     string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Synthesize the labelled telemetry dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		return generate(cmd)
	},
}

func generate(cmd *cobra.Command) error {
	p := settings.SynthParams()
	flags := cmd.Flags()
	if flags.Changed("rows") {
		p.Rows = genRows
	}
	if flags.Changed("machines") {
		p.Machines = genMachines
	}
	if flags.Changed("operations") {
		p.Operations = genOperations
	}
	if flags.Changed("seed") {
		p.Seed = genSeed
	}
	out := settings.DatasetCSV
	if genOutput != "" {
		out = genOutput
	}

	log.Info().
		Int("rows", p.Rows).
		Int("machines", p.Machines).
		Int("operations", p.Operations).
		Int64("seed", p.Seed).
		Msg("Generating synthetic dataset")

	records, err := synth.Synthesize(p)
	if err != nil {
		return err
	}
	if err := telemetry.WriteCSVFile(out, records); err != nil {
		return err
	}
	mw.RecordsGeneratedAdd(len(records))

	if store := openArchive(); store != nil {
		defer store.Close()
		if err := store.StoreRecords(records); err != nil {
			log.Warn().Err(err).Msg("Failed to archive generated records")
		}
	}

	printInsights(cmd.OutOrStdout(), analytics.Summarize(telemetry.NewFrame(records)))
	log.Info().Str("file", out).Int("records", len(records)).Msg("Dataset saved")
	return nil
}

func printInsights(w io.Writer, in analytics.Insights) {
	fmt.Fprintln(w, "\n=== DATASET INSIGHTS ===")
	fmt.Fprintf(w, "Records: %d (%d machines, %d operations)\n", in.TotalRecords, in.Machines, in.Operations)
	fmt.Fprintf(w, "Average spindle speed: %.0f rpm\n", in.AvgSpindleRPM)
	fmt.Fprintf(w, "Average spindle temperature: %.1f °C\n", in.AvgTempC)
	fmt.Fprintf(w, "Chatter events: %d (%.2f%%)\n", in.ChatterEvents, in.ChatterRate*100)
	fmt.Fprintf(w, "Average surface roughness: %.3f µm\n", in.AvgRoughness)
	fmt.Fprintf(w, "Average remaining useful life: %.1f min\n", in.AvgRUL)
	fmt.Fprintln(w, "========================")
}

// --- cnctwin train ---

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the roughness and tool wear models on the dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := train(cmd.OutOrStdout())
		return err
	},
}

func train(w io.Writer) (ml.TrainingMetrics, error) {
	frame, err := telemetry.ReadCSVFile(settings.DatasetCSV)
	if errors.Is(err, os.ErrNotExist) {
		return ml.TrainingMetrics{}, fmt.Errorf("dataset not found, run generate first: %w", err)
	}
	if err != nil {
		return ml.TrainingMetrics{}, err
	}

	result, err := ml.NewTrainer(settings.TrainerConfig(), mw).Train(frame, features.DefaultSchema())
	if err != nil {
		return ml.TrainingMetrics{}, fmt.Errorf("training failed: %w", err)
	}
	if err := result.Save(ml.NewModelStore(settings.ModelsDir)); err != nil {
		return ml.TrainingMetrics{}, fmt.Errorf("save models: %w", err)
	}

	if store := openArchive(); store != nil {
		defer store.Close()
		run, err := store.StoreRun(storage.TrainingRun{
			Dataset:   settings.DatasetCSV,
			ModelsDir: settings.ModelsDir,
			Metrics:   result.Metrics,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to archive training run")
		} else {
			log.Info().Str("run_id", run.ID).Msg("Training run archived")
		}
	}

	printTraining(w, result.Metrics)
	return result.Metrics, nil
}

func printTraining(w io.Writer, m ml.TrainingMetrics) {
	fmt.Fprintln(w, "\n=== MODEL PERFORMANCE ===")
	fmt.Fprintf(w, "Roughness R²: %.4f\n", m.RoughnessR2)
	fmt.Fprintf(w, "Roughness MAE: %.4f µm\n", m.RoughnessMAE)
	fmt.Fprintf(w, "Wear accuracy: %.2f%%\n", m.WearAccuracy*100)
	fmt.Fprintf(w, "Rows: %d train, %d test, %d dropped\n", m.TrainRows, m.TestRows, m.DroppedRows)
	printImportances(w, "Roughness drivers", m.RoughnessImportances)
	printImportances(w, "Wear drivers", m.WearImportances)
	fmt.Fprintln(w, "=========================")
}

func printImportances(w io.Writer, title string, imp map[string]float64) {
	names := make([]string, 0, len(imp))
	for name := range imp {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return imp[names[i]] > imp[names[j]] })

	fmt.Fprintf(w, "%s:\n", title)
	for _, name := range names[:min(5, len(names))] {
		fmt.Fprintf(w, "  %-24s %.4f\n", name, imp[name])
	}
}

// --- cnctwin predict ---

var (
	predictData   string
	predictServer string
	predictJSON   bool
)

// demoSample is a loaded cut on a warm spindle.
var demoSample = map[string]any{
	"spindle_speed_rpm":    5500,
	"feed_rate_mm_min":     1000,
	"vibration_x_g":        0.8,
	"vibration_y_g":        0.7,
	"vibration_z_g":        0.6,
	"spindle_temp_c":       75,
	"motor_temp_c":         60,
	"cutting_force_n":      500,
	"acoustic_emission_ae": 8.5,
	"power_consumption_kw": 6.2,
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict roughness and tool wear for one telemetry sample",
	RunE: func(cmd *cobra.Command, args []string) error {
		sample := demoSample
		if predictData != "" {
			sample = map[string]any{}
			if err := json.Unmarshal([]byte(predictData), &sample); err != nil {
				return fmt.Errorf("invalid --data: %w", err)
			}
		}

		var pred ml.Prediction
		if predictServer != "" {
			var err error
			pred, err = client.New(predictServer, 5*time.Second).Predict(cmd.Context(), sample)
			if err != nil {
				return err
			}
		} else {
			pred = ml.NewPredictor(ml.NewModelStore(settings.ModelsDir), mw).PredictFromTelemetry(sample)
		}

		w := cmd.OutOrStdout()
		if predictJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(pred)
		}
		printPrediction(w, pred)
		return nil
	},
}

func printPrediction(w io.Writer, p ml.Prediction) {
	if p.SurfaceRoughnessUM != nil {
		fmt.Fprintf(w, "Surface Roughness: %.3f µm\n", *p.SurfaceRoughnessUM)
	} else {
		fmt.Fprintln(w, "Surface Roughness: unavailable")
	}
	if p.ToolWear != nil {
		fmt.Fprintf(w, "Tool Wear State: %d (confidence: %.2f%%)\n", p.ToolWear.State, p.ToolWear.Confidence*100)
	} else {
		fmt.Fprintln(w, "Tool Wear State: unavailable")
	}
}

// --- cnctwin evaluate ---

var (
	evalSource    string
	evalTolerance float64
	evalOutput    string
	evalStart     string
	evalEnd       string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Replay the dataset through the trained models and write reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return evaluate(cmd.Context(), cmd.OutOrStdout(), nil)
	},
}

// evaluate backtests the stored models. training, when set, is reported
// alongside; otherwise the latest archived run is used.
func evaluate(ctx context.Context, w io.Writer, training *ml.TrainingMetrics) error {
	loader := backtest.NewDataLoader()
	store := openArchive()
	if store != nil {
		defer store.Close()
	}

	switch evalSource {
	case "csv":
		if err := loader.LoadFromCSV(settings.DatasetCSV); err != nil {
			return err
		}
	case "boltdb":
		if store == nil {
			return fmt.Errorf("boltdb source needs %s", common.EnvDataPath)
		}
		start, end, err := parseRange(evalStart, evalEnd)
		if err != nil {
			return err
		}
		loader.StartTime, loader.EndTime = start, end
		if err := loader.LoadFromBoltDB(store, machineIDs(settings.NumMachines), start, end); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown source %q: use csv or boltdb", evalSource)
	}

	predictor := ml.NewPredictor(ml.NewModelStore(settings.ModelsDir), mw)
	engine := backtest.NewEngine(predictor, loader, evalTolerance)
	if err := engine.Run(ctx); err != nil {
		return err
	}

	output := settings.ReportDir
	if evalOutput != "" {
		output = evalOutput
	}
	reporter := backtest.NewReporter(engine.Results(), output)
	if training == nil && store != nil {
		if run, ok, err := store.LatestRun(); err == nil && ok {
			training = &run.Metrics
		}
	}
	if training != nil {
		reporter.WithTraining(*training)
	}
	if err := reporter.GenerateReport(); err != nil {
		return err
	}
	reporter.PrintSummary(w)
	return nil
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	var s, e time.Time
	var err error
	if start != "" {
		if s, err = time.Parse("2006-01-02", start); err != nil {
			return s, e, fmt.Errorf("invalid start date format: %w", err)
		}
	}
	if end != "" {
		if e, err = time.Parse("2006-01-02", end); err != nil {
			return s, e, fmt.Errorf("invalid end date format: %w", err)
		}
		e = e.Add(24*time.Hour - time.Nanosecond)
	} else {
		e = time.Now()
	}
	return s, e, nil
}

func machineIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("CNC-%02d", i+1)
	}
	return ids
}

// --- cnctwin serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve predictions, dashboard data and the live feed over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	predictor := ml.NewPredictor(ml.NewModelStore(settings.ModelsDir), mw)
	if !predictor.Status().Healthy() {
		log.Warn().Str("models_dir", settings.ModelsDir).Msg("No models loaded, run train first; predictions will be null")
	}

	var runs server.RunArchive
	if store := openArchive(); store != nil {
		defer store.Close()
		runs = store
	}

	startMetricsServer(ctx)

	feed := settings.SynthParams()
	srv := server.New(server.Config{
		Addr:            settings.ServerAddr(),
		DatasetCSV:      settings.DatasetCSV,
		TelemetryCSV:    settings.TelemetryCSV,
		RefreshInterval: settings.RefreshInterval,
		Thresholds:      settings.Thresholds,
		Feed:            feed,
	}, predictor, runs, mw)
	return srv.Run(ctx)
}

// --- cnctwin simulate ---

var (
	simIterations int
	simDelay      time.Duration
	simMachines   []string
	simSinks      []string
	simSeed       uint64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish randomized edge telemetry to the collector CSV, Kafka or the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		iterations, delay := settings.SimulationIterations, settings.SimulationDelay
		if cmd.Flags().Changed("iterations") {
			iterations = simIterations
		}
		if cmd.Flags().Changed("delay") {
			delay = simDelay
		}

		sink, closeSinks, err := buildSinks(simSinks)
		if err != nil {
			return err
		}
		defer closeSinks()

		sim := &stream.Simulation{
			Sink:       sink,
			Iterations: iterations,
			Delay:      delay,
			Machines:   simMachines,
			Seed:       simSeed,
		}
		n, err := sim.Run(cmd.Context())
		if errors.Is(err, context.Canceled) {
			log.Info().Int("published", n).Msg("Simulation interrupted")
			return nil
		}
		return err
	},
}

func buildSinks(names []string) (stream.Sink, func(), error) {
	var sinks stream.MultiSink
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, name := range names {
		switch name {
		case stream.SinkCSV:
			sinks = append(sinks, stream.NewCollectorSink(telemetry.NewCollector(settings.TelemetryCSV), mw))
		case stream.SinkKafka:
			pub := stream.NewKafkaPublisher(settings.KafkaBrokers, settings.KafkaTopic, mw)
			closers = append(closers, func() { pub.Close() })
			sinks = append(sinks, pub)
		case stream.SinkArchive:
			store := openArchive()
			if store == nil {
				closeAll()
				return nil, nil, fmt.Errorf("archive sink needs %s", common.EnvDataPath)
			}
			closers = append(closers, func() { store.Close() })
			sinks = append(sinks, stream.NewArchiveSink(store, mw))
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown sink %q", name)
		}
	}
	if len(sinks) == 0 {
		return nil, nil, fmt.Errorf("no sink selected")
	}
	return sinks, closeAll, nil
}

// --- cnctwin collect ---

var collectSinks []string

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Consume telemetry from Kafka into the collector CSV and the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		sink, closeSinks, err := buildSinks(collectSinks)
		if err != nil {
			return err
		}
		defer closeSinks()

		collector := stream.NewKafkaCollector(settings.KafkaBrokers, settings.KafkaTopic, settings.KafkaGroup, sink, mw)
		defer collector.Close()
		return collector.Run(cmd.Context())
	},
}

// --- cnctwin watch ---

var (
	watchURL    string
	watchCount  int
	watchBuffer int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the server's live telemetry feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchBuffer <= 0 || watchBuffer > common.MaxFeedBacklog {
			return fmt.Errorf("buffer must be between 1 and %d", common.MaxFeedBacklog)
		}
		url := watchURL
		if url == "" {
			url = "ws://" + settings.ServerAddr() + "/ws/telemetry"
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		out := make(chan stream.FeedMessage, watchBuffer)
		errc := make(chan error, 1)
		go func() { errc <- stream.NewFeedClient(url, 15*time.Second, mw).Stream(ctx, out) }()

		w := cmd.OutOrStdout()
		for seen := 0; watchCount <= 0 || seen < watchCount; seen++ {
			select {
			case msg := <-out:
				printFeedMessage(w, msg)
			case err := <-errc:
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
		return nil
	},
}

func printFeedMessage(w io.Writer, msg stream.FeedMessage) {
	r := msg.Record
	fmt.Fprintf(w, "%s %s rpm=%d vib=%.3fg temp=%.1f°C force=%.0fN",
		r.Timestamp.Format(telemetry.TimestampLayout), r.MachineID, r.SpindleSpeedRPM,
		r.VibrationMagnitude(), r.SpindleTempC, r.CuttingForceN)
	if ra := msg.Prediction.SurfaceRoughnessUM; ra != nil {
		fmt.Fprintf(w, " Ra=%.3fµm", *ra)
	}
	if wear := msg.Prediction.ToolWear; wear != nil {
		fmt.Fprintf(w, " wear=%d(%.0f%%)", wear.State, wear.Confidence*100)
	}
	fmt.Fprintln(w)
	for _, a := range msg.Alerts {
		log.Warn().Str("machine_id", a.MachineID).Str("type", a.Type).Str("severity", string(a.Severity)).Msg(a.Message)
	}
}

// --- cnctwin run ---

var runNoServe bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate the dataset, train, evaluate, then serve",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "Step 1: generating synthetic dataset")
		if err := generate(cmd); err != nil {
			return err
		}
		fmt.Fprintln(w, "Step 2: training models")
		m, err := train(w)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "Step 3: evaluating models")
		if err := evaluate(cmd.Context(), w, &m); err != nil {
			return err
		}
		if runNoServe {
			fmt.Fprintln(w, "All steps complete")
			return nil
		}
		fmt.Fprintln(w, "Step 4: serving")
		return serve(cmd.Context())
	},
}

func init() {
	for _, c := range []*cobra.Command{generateCmd, runCmd} {
		c.Flags().IntVar(&genRows, "rows", 0, "Rows to synthesize (default from config)")
		c.Flags().IntVar(&genMachines, "machines", 0, "Number of machines (default from config)")
		c.Flags().IntVar(&genOperations, "operations", 0, "Number of operations (default from config)")
		c.Flags().Int64Var(&genSeed, "seed", 0, "Synthesis seed (default from config)")
		c.Flags().StringVar(&genOutput, "output", "", "Dataset CSV path (default from config)")
	}

	predictCmd.Flags().StringVar(&predictData, "data", "", "Telemetry sample as a JSON object (default: demo sample)")
	predictCmd.Flags().StringVar(&predictServer, "server", "", "Prediction server base URL; empty predicts locally")
	predictCmd.Flags().BoolVar(&predictJSON, "json", false, "Print the prediction as JSON")

	for _, c := range []*cobra.Command{evaluateCmd, runCmd} {
		c.Flags().StringVar(&evalSource, "source", "csv", "Data source: csv or boltdb")
		c.Flags().Float64Var(&evalTolerance, "tolerance", common.DefaultPredictionToleranceUM, "Roughness hit band in µm")
		c.Flags().StringVar(&evalOutput, "report-dir", "", "Report directory (default from config)")
	}
	evaluateCmd.Flags().StringVar(&evalStart, "start", "", "Start date (YYYY-MM-DD), boltdb source only")
	evaluateCmd.Flags().StringVar(&evalEnd, "end", "", "End date (YYYY-MM-DD), boltdb source only")

	simulateCmd.Flags().IntVar(&simIterations, "iterations", 0, "Readings to publish (default from config)")
	simulateCmd.Flags().DurationVar(&simDelay, "delay", 0, "Delay between readings (default from config)")
	simulateCmd.Flags().StringSliceVar(&simMachines, "machine", []string{"CNC-01"}, "Machine ids, cycled")
	simulateCmd.Flags().StringSliceVar(&simSinks, "sink", []string{stream.SinkCSV}, "Sinks: csv, kafka, archive")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 0, "Random seed; 0 seeds from the clock")

	collectCmd.Flags().StringSliceVar(&collectSinks, "sink", []string{stream.SinkCSV}, "Sinks: csv, archive")

	watchCmd.Flags().StringVar(&watchURL, "url", "", "Feed URL (default ws://<server>/ws/telemetry)")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "Stop after this many messages; 0 follows forever")
	watchCmd.Flags().IntVar(&watchBuffer, "buffer", common.DefaultLiveFeedBufferedRecords, "Messages buffered before dropping")

	runCmd.Flags().BoolVar(&runNoServe, "no-serve", false, "Stop after evaluation")
}
