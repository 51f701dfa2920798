package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/noctics/central/internal/config"
	"github.com/noctics/central/internal/llm"
	"github.com/noctics/central/internal/session"
)

var (
	sessionsSearch     string
	mergeTitle         string
	archiveKeepSources bool
	sessionsClearTitle bool
)

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsSearch, "search", "", "Only sessions matching this needle (id, title or content)")
	sessionsMergeCmd.Flags().StringVar(&mergeTitle, "title", "", "Title for the merged session")
	sessionsArchiveCmd.Flags().BoolVar(&archiveKeepSources, "keep-sources", false, "Leave the archived sessions in place")
	sessionsTitleCmd.Flags().BoolVar(&sessionsClearTitle, "clear", false, "Remove the title instead of setting one")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsTitleCmd, sessionsMergeCmd, sessionsArchiveCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Browse and manage the conversation archive",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		infos := session.Iter(sessionsSearch, cfg.Session.Root)
		if len(infos) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		bold := color.New(color.Bold)
		dim := color.New(color.Faint)
		for i, info := range infos {
			title := info.TitleOrEmpty()
			if title == "" {
				title = dim.Sprint("(untitled)")
			} else if info.Custom {
				title = bold.Sprint(title)
			}
			fmt.Printf("%3d. %-32s %s", i+1, info.DisplayName, title)
			dim.Printf("  [%d turns]\n", info.Turns)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Print a session's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		path, err := resolveSessionArg(args[0], cfg.Session.Root)
		if err != nil {
			return err
		}

		meta := session.LoadMeta(path)
		color.Cyan("%s", meta.DisplayName)
		if title := meta.TitleOrEmpty(); title != "" {
			fmt.Printf("title: %s\n", title)
		}
		fmt.Println()

		roleColor := map[llm.Role]*color.Color{
			llm.RoleSystem:    color.New(color.Faint),
			llm.RoleUser:      color.New(color.FgGreen, color.Bold),
			llm.RoleAssistant: color.New(color.FgCyan),
		}
		for _, msg := range session.LoadMessages(path) {
			if c, ok := roleColor[msg.Role]; ok {
				c.Printf("%s:\n", msg.Role)
			} else {
				fmt.Printf("%s:\n", msg.Role)
			}
			fmt.Println(msg.Content)
			fmt.Println()
		}
		return nil
	},
}

var sessionsTitleCmd = &cobra.Command{
	Use:   "title <session> [title...]",
	Short: "Set or clear a session's title",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		path, err := resolveSessionArg(args[0], cfg.Session.Root)
		if err != nil {
			return err
		}
		if sessionsClearTitle {
			return session.SetTitle(path, "", false)
		}
		title := strings.TrimSpace(strings.Join(args[1:], " "))
		if title == "" {
			return fmt.Errorf("no title given (use --clear to remove one)")
		}
		return session.SetTitle(path, title, true)
	},
}

var sessionsMergeCmd = &cobra.Command{
	Use:   "merge <session> <session>...",
	Short: "Concatenate sessions into a new merged session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		var paths []string
		for _, arg := range args {
			path, err := resolveSessionArg(arg, cfg.Session.Root)
			if err != nil {
				return err
			}
			paths = append(paths, path)
		}
		out, err := session.Merge(paths, mergeTitle, cfg.Session.Root)
		if err != nil {
			return err
		}
		color.Green("merged %d sessions into %s", len(paths), out)
		return nil
	},
}

var sessionsArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Fold all but the newest session into an early archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out, err := session.ArchiveEarly(cfg.Session.Root, cfg.Session.ArchiveRoot, !archiveKeepSources)
		if err != nil {
			return err
		}
		if out == "" {
			fmt.Println("nothing to archive")
			return nil
		}
		color.Green("archived to %s", out)
		return nil
	},
}

// resolveSessionArg accepts a 1-based index into the list, a stem (or stem
// suffix), or a literal path.
func resolveSessionArg(arg, root string) (string, error) {
	if index, err := strconv.Atoi(arg); err == nil {
		infos := session.List(root)
		if index < 1 || index > len(infos) {
			return "", fmt.Errorf("index %d out of range (1-%d)", index, len(infos))
		}
		return infos[index-1].Path, nil
	}
	path, ok := session.Resolve(arg, root)
	if !ok {
		return "", fmt.Errorf("no session matches %q", arg)
	}
	return path, nil
}
