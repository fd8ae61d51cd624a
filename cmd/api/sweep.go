package main

import (
	"github.com/spf13/cobra"

	"github.com/bryanwahyu/medscan/internal/application"
	appanalysis "github.com/bryanwahyu/medscan/internal/application/analysis"
	"github.com/bryanwahyu/medscan/internal/application/queue"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail scans stuck in processing past analysis.processingTimeout, once",
	Long: `Runs one reclaim pass against the record store. Use it from cron when no
serve process is running, or after a crash left scans in processing.
This process holds no leases, so every stuck scan older than the timeout is reclaimed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStores(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer st.close()

		clock := application.SystemClock{}
		svc := &appanalysis.Service{
			Scans:             st.scans,
			Analyses:          st.analyses,
			Failures:          st.failures,
			Admission:         queue.NewManager(st.scans, cfg.Analysis.ServiceTime, nil, clock, log),
			Clock:             clock,
			Log:               log.With().Str("component", "sweep").Logger(),
			ProcessingTimeout: cfg.Analysis.ProcessingTimeout,
		}
		n, err := svc.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		log.Info().Int("reclaimed", n).Msg("sweep finished")
		return nil
	},
}
