package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/noctics/central/internal/chat"
	"github.com/noctics/central/internal/config"
	"github.com/noctics/central/internal/llm"
	"github.com/noctics/central/internal/session"
)

var (
	chatURL      string
	chatModel    string
	chatResume   string
	chatNoStream bool
	chatNoLog    bool
)

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "", "Runtime endpoint (overrides config)")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "Model name (overrides config)")
	chatCmd.Flags().StringVar(&chatResume, "resume", "", "Continue an existing session (id, stem suffix or path)")
	chatCmd.Flags().BoolVar(&chatNoStream, "no-stream", false, "Wait for the full reply instead of streaming")
	chatCmd.Flags().BoolVar(&chatNoLog, "no-log", false, "Do not persist this conversation")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Converse with the configured model",
	Long: `Runs one turn when a message is given, otherwise opens an interactive
conversation. Inside the conversation:

  /title <text>   name the session
  /target         show which runtime answered
  !<command>      run a shell command and record its output as the turn
  /quit           leave (empty sessions are discarded)`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if chatURL != "" {
		cfg.LLM.URL = chatURL
	}
	if chatModel != "" {
		cfg.LLM.Model = chatModel
	}

	base := chat.Config{
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Stream:      cfg.LLM.Stream && !chatNoStream,
		Sanitize:    cfg.LLM.Sanitize,
		StripThink:  cfg.LLM.StripThink,
		Persona:     cfg.Persona,
		SessionDir:  cfg.Session.Root,
		Logging:     cfg.Session.Logging && !chatNoLog,
	}

	candidates := chat.BuildCandidates(cfg.LLM.URL, cfg.LLM.Model, cfg.LLM.APIKey)
	client, winner, err := chat.Connect(base, candidates, llm.DefaultProbeTimeout)
	if err != nil {
		color.Red("no runtime reachable: %v", err)
		os.Exit(2)
	}
	slog.Debug("runtime selected", "url", winner.URL, "model", winner.Model, "source", winner.Source)
	if winner.Source != "configured" {
		color.Yellow("using %s: %s", winner.Source, winner.URL)
	}

	if chatResume != "" {
		path, ok := session.Resolve(chatResume, cfg.Session.Root)
		if !ok {
			return fmt.Errorf("no session matches %q", chatResume)
		}
		if err := client.AdoptSessionLog(path); err != nil {
			return err
		}
		color.Cyan("resuming %s (%d messages)", path, len(client.Messages()))
	}

	defer finishSession(client)

	ctx := context.Background()
	if len(args) > 0 {
		_, err := runTurn(ctx, client, strings.Join(args, " "))
		return err
	}
	return repl(ctx, client)
}

func repl(ctx context.Context, client *chat.Client) error {
	reader := bufio.NewReader(os.Stdin)
	prompt := color.New(color.FgGreen, color.Bold)

	for {
		prompt.Print("you> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		line = strings.TrimSpace(line)

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case strings.HasPrefix(line, "/title "):
			title := strings.TrimSpace(strings.TrimPrefix(line, "/title "))
			if err := client.SetTitle(title, true); err != nil {
				color.Red("title: %v", err)
			}
			continue
		case line == "/target":
			for key, value := range client.DescribeTarget() {
				fmt.Printf("  %s: %v\n", key, value)
			}
			continue
		case strings.HasPrefix(line, "!"):
			runLocal(client, strings.TrimPrefix(line, "!"))
			continue
		}

		if _, err := runTurn(ctx, client, line); err != nil {
			color.Red("%v", err)
		}
	}
}

// runTurn executes one exchange, printing the reply and driving the
// instrument flow when the model asks for one.
func runTurn(ctx context.Context, client *chat.Client, text string) (string, error) {
	reply, ok, err := sendAndPrint(ctx, client, func(onDelta func(string)) (string, bool, error) {
		return client.OneTurn(ctx, text, onDelta)
	})
	if err != nil || !ok {
		return reply, err
	}

	if chat.WantsInstrument(reply) {
		color.Yellow("the model asked for an instrument; paste its output, end with a single '.' line:")
		pasted := readPaste(os.Stdin)
		if pasted == "" {
			return reply, nil
		}
		reply, _, err = sendAndPrint(ctx, client, func(onDelta func(string)) (string, bool, error) {
			return client.ProcessInstrumentResult(ctx, pasted, onDelta)
		})
	}
	return reply, err
}

func sendAndPrint(ctx context.Context, client *chat.Client, call func(func(string)) (string, bool, error)) (string, bool, error) {
	streamed := false
	reply, ok, err := call(func(delta string) {
		streamed = true
		fmt.Print(delta)
	})
	if err != nil {
		if streamed {
			fmt.Println()
		}
		return "", false, err
	}
	if !ok {
		color.Yellow("(no content)")
		return "", false, nil
	}
	if streamed {
		fmt.Println()
	} else {
		fmt.Println(reply)
	}
	return reply, true, nil
}

// readPaste collects lines until a lone "." terminator.
func readPaste(r *os.File) string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "." {
			break
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// runLocal runs a shell command and records its output as a turn, so local
// work stays part of the conversation record.
func runLocal(client *chat.Client, command string) {
	command = strings.TrimSpace(command)
	if command == "" {
		return
	}
	out, err := exec.Command(shell(), "-c", command).CombinedOutput()
	fmt.Print(string(out))
	if err != nil {
		color.Red("%v", err)
	}
	if err := client.RecordTurn("ran: "+command, strings.TrimSpace(string(out))); err != nil {
		slog.Warn("failed to record local command", "err", err)
	}
}

func shell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "sh"
}

// finishSession closes out the conversation: empty sessions vanish, real
// ones get a title and land in their day log.
func finishSession(client *chat.Client) {
	client.EnsureAutoTitle()
	if client.MaybeDeleteEmptySession() {
		return
	}
	if _, err := client.AppendSessionToDayLog(); err != nil {
		slog.Warn("failed to update day log", "err", err)
	}
}
