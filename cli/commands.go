package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hypernetix/fullmoon-go/internal/config"
	"github.com/hypernetix/fullmoon-go/internal/httpapi"
	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/hypernetix/fullmoon-go/pkg/dispatch"
	"github.com/hypernetix/fullmoon-go/pkg/lifecycle"
	"github.com/hypernetix/fullmoon-go/pkg/remote"
)

var errNotRunning = errors.New("LM Studio service is not running")

func newModelsCommand(a *app) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the on-device model catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			installed := map[string]bool{}
			if st, err := a.openSettings(); err != nil {
				a.logger.Warn("Installed models unavailable: %v", err)
			} else if ids, err := st.InstalledModels(); err == nil {
				for _, id := range ids {
					installed[id] = true
				}
			}

			def := catalog.Builtin().Default().ID
			var rows []modelRow
			for _, m := range catalog.Builtin().All() {
				rows = append(rows, modelRow{ModelDescriptor: m, Default: m.ID == def, Installed: installed[m.ID]})
			}
			return printModels(a.out, rows, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func newRemoteModelsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remote-models",
		Short: "List the models served by the selected remote server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			profile, ok := a.cfg.SelectedProfile()
			if !ok {
				return errors.New("no remote server configured, add one under remote.profiles")
			}
			ids, err := a.remoteClient().ListModels(cmd.Context(), profile)
			if err != nil {
				return fmt.Errorf("failed to list models of %s: %w", profile.DisplayName, err)
			}
			fmt.Fprintf(a.out, "\nModels on %s (%s):\n", profile.DisplayName, profile.Kind.DisplayName())
			if len(ids) == 0 {
				fmt.Fprintln(a.out, "No models found")
			}
			for _, id := range ids {
				if remote.IsImageModel(id) {
					fmt.Fprintf(a.out, "  %s (image)\n", id)
					continue
				}
				fmt.Fprintf(a.out, "  %s\n", id)
			}
			return nil
		},
	}
}

func newLoadCommand(a *app) *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "load [model]",
		Short: "Load an on-device model with progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := a.localStack(cmd.Context(), newTerminalSurface(a.out))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Load.Timeout)
			defer cancel()

			var modelID string
			if resume {
				h, err := coord.Resume(ctx)
				if err != nil {
					return fmt.Errorf("failed to resume: %s", dispatch.StatusText(err))
				}
				modelID = h.ModelID()
			} else {
				explicit := ""
				if len(args) == 1 {
					explicit = args[0]
				}
				modelID = a.localModel(explicit)
				if _, err := coord.Load(ctx, modelID); err != nil {
					return errors.New(dispatch.StatusText(err))
				}
			}
			a.recordLoaded(modelID)
			fmt.Fprintf(a.out, "✓ Model %s loaded successfully\n", catalog.DisplayName(modelID))
			return nil
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "resume the last interrupted load")
	return cmd
}

type chatOptions struct {
	prompt       string
	conversation string
	model        string
	systemPrompt string
	remote       bool
}

// streamPrinter writes the growing reply, printing only what is new.
type streamPrinter struct {
	a       *app
	printed string
}

func (p *streamPrinter) update(text string) {
	if strings.HasPrefix(text, p.printed) {
		fmt.Fprint(p.a.out, text[len(p.printed):])
	} else {
		fmt.Fprintf(p.a.out, "\n%s", text)
	}
	p.printed = text
}

func newChatCommand(a *app) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send a prompt and stream the reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if strings.TrimSpace(opts.prompt) == "" {
				return errors.New("--prompt is required")
			}

			req := dispatch.Request{
				ConversationID: opts.conversation,
				Prompt:         opts.prompt,
				SystemPrompt:   opts.systemPrompt,
			}
			if req.ConversationID == "" {
				req.ConversationID = ulid.Make().String()
			}
			if req.SystemPrompt == "" {
				req.SystemPrompt = a.cfg.SystemPrompt
			}
			source := a.cfg.SourceValue()
			if opts.remote {
				source = dispatch.SourceRemote
			}
			req.Source = source

			if source == dispatch.SourceRemote {
				profile, model, err := a.remoteTarget(opts.model)
				if err != nil {
					return err
				}
				req.Profile, req.ModelID = profile, model
			} else {
				req.ModelID = a.localModel(opts.model)
			}

			disp, err := a.openDispatcher(ctx, source == dispatch.SourceLocal, newTerminalSurface(a.errOut))
			if err != nil {
				return err
			}
			stopWatch := context.AfterFunc(ctx, disp.Stop)
			defer stopWatch()

			fmt.Fprintf(a.errOut, "Conversation %s, model %s\n", req.ConversationID, req.ModelID)
			p := &streamPrinter{a: a}
			req.OnUpdate = p.update
			resp := disp.Generate(ctx, req)
			if resp.Err != nil {
				if p.printed != "" {
					fmt.Fprintln(a.out)
				}
				return errors.New(resp.Status)
			}
			p.update(resp.Text)
			fmt.Fprintln(a.out)
			if resp.Stat != "" {
				fmt.Fprintln(a.errOut, strings.TrimSpace(resp.Stat))
			}
			if source == dispatch.SourceLocal {
				a.recordLoaded(req.ModelID)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.prompt, "prompt", "", "prompt to send")
	f.StringVar(&opts.conversation, "conversation", "", "conversation id to continue (default: a new conversation)")
	f.StringVar(&opts.model, "model", "", "model id (default: the selected model)")
	f.StringVar(&opts.systemPrompt, "system", "", "system prompt (default: from config)")
	f.BoolVar(&opts.remote, "remote", false, "use the selected remote server")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check LM Studio and report interrupted loads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			running := false
			client, err := a.lmStudio(ctx)
			if err == nil {
				running, err = client.CheckStatus(ctx)
			}
			switch {
			case err != nil:
				fmt.Fprintf(a.out, "LM Studio service status: ERROR - %v\n", err)
			case running:
				fmt.Fprintf(a.out, "LM Studio service status: RUNNING @ %s\n", client.Host())
			default:
				fmt.Fprintln(a.out, "LM Studio service status: NOT RUNNING")
			}

			if st, serr := a.openSettings(); serr == nil {
				if id, _ := st.SelectedModel(); id != "" {
					fmt.Fprintf(a.out, "Selected model: %s\n", id)
				}
				if rec, ok, _ := st.LoadResume(); ok {
					fmt.Fprintf(a.out, "Interrupted load: %s at %d%% (%s), run `fullmoon load --resume`\n",
						rec.ModelID, int(rec.LastFraction*100), rec.Reason)
				}
			} else {
				a.logger.Warn("Settings unavailable: %v", serr)
			}

			if err != nil {
				return err
			}
			if !running {
				return errNotRunning
			}
			return nil
		},
	}
}

func newServeCommand(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				a.cfg.HTTP.Listen = listen
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", fmt.Sprintf("listen address (default: %s)", config.DefaultListen))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	a.monitor = lifecycle.New(true)

	deps := httpapi.Deps{
		Lifecycle:   a.monitor,
		LoadTimeout: a.cfg.Load.Timeout,
		Logger:      a.logger,
	}
	local := true
	coord, err := a.localStack(ctx, nil)
	if err != nil {
		a.logger.Warn("On-device models unavailable, serving remote chats only: %v", err)
		local = false
	} else {
		deps.Coordinator = coord
		deps.Tracker = a.tracker
	}
	disp, err := a.openDispatcher(ctx, local, nil)
	if err != nil {
		return err
	}
	deps.Dispatcher = disp
	deps.Gatherer = a.registry

	profile, hasProfile := a.cfg.SelectedProfile()
	deps.Defaults = httpapi.Defaults{
		Source:       a.cfg.SourceValue(),
		ModelID:      a.localModel(""),
		SystemPrompt: a.cfg.SystemPrompt,
		Profile:      profile,
		HasProfile:   hasProfile,
		RemoteModel:  a.cfg.Remote.Model,
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Listen,
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Serving fullmoon API on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		disp.Stop()
		if a.tracker != nil {
			a.tracker.End()
		}
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return watchLifecycleSignals(gctx, a.monitor, a.logger)
	})
	if local {
		g.Go(func() error {
			a.recordInstalled(gctx)
			return nil
		})
	}
	return g.Wait()
}

// recordInstalled persists every model the tracker reports as loaded.
func (a *app) recordInstalled(ctx context.Context) {
	updates, unsubscribe := a.tracker.Subscribe()
	defer unsubscribe()
	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Loaded && snap.ModelID != "" && snap.ModelID != last {
				last = snap.ModelID
				a.recordLoaded(snap.ModelID)
			}
		}
	}
}
