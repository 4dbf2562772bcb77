package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"evelogi/internal/api"
	"evelogi/internal/engine"
	"evelogi/internal/jobs"
	"evelogi/internal/logger"
	"evelogi/internal/sde"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with scheduled maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Server.CheckSessionSecret(); err != nil {
			return err
		}
		logger.Banner(version)

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := api.NewServer(api.Deps{
			Config:     cfg,
			Market:     a.esi,
			Books:      a.books,
			Volumes:    a.volumes,
			Structures: a.db,
			Identity:   a.identity,
			SSO:        a.sso,
		})
		if !a.sso.Configured() {
			logger.Warn("AUTH", "SSO client id/secret not set; login is disabled")
		}
		if !a.esi.HealthCheck(ctx) {
			logger.Warn("ESI", "Status endpoint unreachable; market requests may fail")
		}

		// Load SDE in background
		go func() {
			data, err := sde.Load(ctx, cfg.SDE.DataDir, cfg.SDE.URL)
			if err != nil {
				logger.Error("SDE", fmt.Sprintf("Load failed: %v", err))
				return
			}
			srv.SetSDE(data)
			logger.Success("SDE", "Trade pipeline ready")
		}()

		runner := jobs.New(ctx)
		if err := jobs.Schedule(runner, cfg, a.db, a.books); err != nil {
			return err
		}
		runner.Start()
		defer runner.Stop()

		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}()

		logger.Server(addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		logger.Info("Server", "Stopped")
		return nil
	},
}

var initDBDrop bool

var initDBCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if initDBDrop {
			if err := a.db.Reset(cmd.Context()); err != nil {
				return err
			}
			logger.Warn("DB", "Dropped and recreated all tables")
		}
		logger.Success("DB", fmt.Sprintf("Initialized database at %s", cfg.Database.Path))
		return nil
	},
}

var initRolesCmd = &cobra.Command{
	Use:   "init-roles",
	Short: "Seed the roles and permissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.store.SeedRoles(cmd.Context())
	},
}

var setRoleCmd = &cobra.Command{
	Use:   "set-role <character name> <role>",
	Short: "Move the account owning a character to a role",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.store.SetRoleByCharacterName(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		logger.Success("AUTH", fmt.Sprintf("%s's account is now %s", args[0], args[1]))
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete volume records past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return jobs.Cleanup(a.db, cfg.Cache.VolumeRetainDays, time.Now)(cmd.Context())
	},
}

var tradeFlags struct {
	character      string
	structure      int64
	minMargin      float64
	minDailyVolume int64
	maxResults     int
	volumeMultiple int
}

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Print the opportunity list for one of a character's structures",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		filters := engine.Filters{
			MinMargin:      cfg.Trade.MinMargin,
			MinDailyVolume: cfg.Trade.MinDailyVolume,
			MaxResults:     cfg.Trade.MaxResults,
			VolumeMultiple: cfg.Trade.VolumeMultiple,
		}
		f := cmd.Flags()
		if f.Changed("min-margin") {
			filters.MinMargin = tradeFlags.minMargin
		}
		if f.Changed("min-daily-volume") {
			filters.MinDailyVolume = tradeFlags.minDailyVolume
		}
		if f.Changed("max-results") {
			filters.MaxResults = tradeFlags.maxResults
		}
		if f.Changed("volume-multiple") {
			filters.VolumeMultiple = tradeFlags.volumeMultiple
		}
		if err := engine.ValidateFilters(filters); err != nil {
			return err
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		userID, err := a.store.UserByCharacterName(ctx, tradeFlags.character)
		if err != nil {
			return err
		}
		principal, err := a.identity.Principal(ctx, userID)
		if err != nil {
			return err
		}
		data, err := sde.Load(ctx, cfg.SDE.DataDir, cfg.SDE.URL)
		if err != nil {
			return err
		}

		trader := engine.NewTrader(a.books, a.esi, a.volumes, data, cfg.Trade.ReferenceRegionID)
		res, err := trader.Run(ctx, principal, engine.Request{StructureID: tradeFlags.structure, Filters: filters})
		if err != nil {
			return err
		}
		return printResult(cmd, res)
	},
}

func init() {
	initDBCmd.Flags().BoolVar(&initDBDrop, "drop", false, "drop all tables before creating them")

	f := tradeCmd.Flags()
	f.StringVar(&tradeFlags.character, "character", "", "name of a character on the account")
	f.Int64Var(&tradeFlags.structure, "structure", 0, "local structure id (see GET /api/structures)")
	f.Float64Var(&tradeFlags.minMargin, "min-margin", 0, "minimum margin, e.g. 0.05")
	f.Int64Var(&tradeFlags.minDailyVolume, "min-daily-volume", 0, "minimum estimated daily volume")
	f.IntVar(&tradeFlags.maxResults, "max-results", 0, "maximum number of rows")
	f.IntVar(&tradeFlags.volumeMultiple, "volume-multiple", 0, "days of stock to plan for (1-5)")
	tradeCmd.MarkFlagRequired("character")
	tradeCmd.MarkFlagRequired("structure")
}

func printResult(cmd *cobra.Command, res *engine.Result) error {
	out := cmd.OutOrStdout()
	region := res.RegionName
	if region == "" {
		region = fmt.Sprintf("region %d", res.RegionID)
	}
	fmt.Fprintf(out, "\n%s (%s): %d candidates, %d opportunities, %d failed volumes, %d failed pages, %s\n",
		res.Structure.Name, region, res.Candidates, len(res.Opportunities),
		res.FailedVolumes, res.FailedPages, res.Duration.Round(time.Millisecond))

	table := tablewriter.NewWriter(out)
	table.Header("#", "Type", "Ref", "Local", "Profit/u", "Margin", "Daily", "Monthly profit", "")
	for i, o := range res.Opportunities {
		stock := ""
		if o.Stockout {
			stock = "stockout"
		}
		table.Append(
			strconv.Itoa(i+1),
			o.TypeName,
			fmt.Sprintf("%.2f", o.ReferencePrice),
			fmt.Sprintf("%.2f", o.LocalPrice),
			fmt.Sprintf("%.2f", o.ProfitPerUnit),
			fmt.Sprintf("%.1f%%", o.Margin*100),
			strconv.FormatInt(o.EstimatedDailyVolume, 10),
			fmt.Sprintf("%.0f", o.EstimatedMonthlyProfit),
			stock,
		)
	}
	return table.Render()
}
