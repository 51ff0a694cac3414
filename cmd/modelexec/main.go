package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bitop-dev/modelexec"
	"github.com/bitop-dev/modelexec/plugin"
)

var (
	configPath  string
	modelName   string
	systemText  string
	requestFile string
	maxTokens   int
	stream      bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "modelexec",
	Short:         "Run canonical conversation requests against configured model backends",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Send one request and print the answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, req, err := loadRequest(args)
		if err != nil {
			return err
		}
		client, err := modelexec.NewClientFromConfig(cfg, plugin.NewLogHook(slog.Default()), nil)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		out := cmd.OutOrStdout()
		if !stream {
			res, err := client.Generate(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, res.Text)
			printCalls(cmd, res)
			return exitStatus(res)
		}

		s, err := client.Stream(ctx, req)
		if err != nil {
			return err
		}
		defer s.Close()
		for s.Next() {
			if d := s.Delta(); d.Kind == plugin.DeltaContent {
				fmt.Fprint(out, d.Text)
			}
		}
		fmt.Fprintln(out)
		res := s.Result()
		if res == nil {
			return fmt.Errorf("stream ended without a result")
		}
		printCalls(cmd, res)
		return exitStatus(res)
	},
}

var payloadCmd = &cobra.Command{
	Use:   "payload [prompt...]",
	Short: "Print the provider payload a request would send",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, req, err := loadRequest(args)
		if err != nil {
			return err
		}
		client, err := modelexec.NewClientFromConfig(cfg, plugin.NopHook{}, nil)
		if err != nil {
			return err
		}
		p, ok := client.Registry.Get(req.Model.Type)
		if !ok {
			return fmt.Errorf("no backend configured for type %q", req.Model.Type)
		}
		preq, err := p.BuildRequest(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(preq.Payload()))
		for _, w := range preq.Warnings() {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
		}
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List catalog models",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := modelexec.LoadConfig(configPath)
		if err != nil {
			return err
		}
		for _, m := range cfg.Models {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-8s %s\n", m.Name, m.Type, m.Model)
		}
		return nil
	},
}

func loadRequest(args []string) (*modelexec.Config, *plugin.ConversationRequest, error) {
	cfg, err := modelexec.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	var req *plugin.ConversationRequest
	if requestFile != "" {
		data, err := os.ReadFile(requestFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read request: %w", err)
		}
		req, err = plugin.Ingest(data)
		if err != nil {
			return nil, nil, err
		}
	} else {
		if len(args) == 0 {
			return nil, nil, fmt.Errorf("a prompt or --request is required")
		}
		req = &plugin.ConversationRequest{}
		if systemText != "" {
			req.Messages = append(req.Messages, plugin.SystemMessage(systemText))
		}
		req.Messages = append(req.Messages, plugin.UserMessage(strings.Join(args, " ")))
	}

	name := modelName
	if name == "" {
		name = req.Model.Model
	}
	if m, ok := cfg.Model(name); ok {
		req.Model = m.Capabilities()
		if req.Params.Truncation == plugin.TruncateNone {
			req.Params.Truncation = plugin.TruncationPolicy(m.Truncation)
		}
	} else if req.Model.Type == "" {
		return nil, nil, fmt.Errorf("model %q is not in the catalog", name)
	}
	if maxTokens > 0 {
		req.Params.MaxOutputTokens = maxTokens
	}
	return cfg, req, nil
}

func printCalls(cmd *cobra.Command, res *plugin.Result) {
	for _, tc := range res.ToolCalls {
		fmt.Fprintf(cmd.OutOrStdout(), "tool call %s %s(%s)\n", tc.ID, tc.Name, plugin.EncodeArguments(tc.Arguments))
	}
	for _, w := range res.Warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}
}

func exitStatus(res *plugin.Result) error {
	if res.Failure != nil {
		return res.Failure
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "models.yaml", "model catalog")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log requests and results")

	for _, c := range []*cobra.Command{runCmd, payloadCmd} {
		c.Flags().StringVarP(&modelName, "model", "m", "", "catalog model name")
		c.Flags().StringVarP(&systemText, "system", "s", "", "system instruction")
		c.Flags().StringVarP(&requestFile, "request", "r", "", "JSON request file")
		c.Flags().IntVar(&maxTokens, "max-tokens", 0, "output token limit")
	}
	runCmd.Flags().BoolVar(&stream, "stream", false, "stream the answer")

	rootCmd.AddCommand(runCmd, payloadCmd, modelsCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
