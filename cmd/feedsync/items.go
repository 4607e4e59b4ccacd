package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/feedsync/internal/ingest"
	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
	"github.com/mschirtzinger/feedsync/internal/ui"
)

var itemsCmd = &cobra.Command{
	Use:     "items",
	GroupID: "items",
	Short:   "List, mark and ingest feed items",
}

var itemsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored items, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		filter := itemFilter(cmd)
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		items, err := a.store.ListItems(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if ok, err := structuredOutput(cmd, items); ok {
			return err
		}
		if len(items) == 0 {
			fmt.Println(ui.RenderMuted("No items"))
			return nil
		}

		now := time.Now()
		rows := make([][]string, 0, len(items))
		for _, it := range items {
			rows = append(rows, []string{
				strconv.FormatInt(it.ID, 10),
				itemFlags(it),
				ui.Truncate(it.Title, 60),
				ui.Truncate(it.FeedURL, 40),
				ui.Ago(it.SortTime(), now),
			})
		}
		fmt.Print(ui.RenderTable([]string{"ID", "", "TITLE", "FEED", "AGE"}, rows))
		return nil
	},
}

func itemFlags(it *schema.Item) string {
	flags := ""
	if !it.Read {
		flags += ui.RenderAccent("●")
	} else {
		flags += " "
	}
	if it.Pinned {
		flags += "📌"
	}
	if it.Bookmarked {
		flags += "🔖"
	}
	return flags
}

func itemFilter(cmd *cobra.Command) db.ItemFilter {
	var f db.ItemFilter
	f.FeedURL, _ = cmd.Flags().GetString("feed")
	f.Tag, _ = cmd.Flags().GetString("tag")
	f.UnreadOnly, _ = cmd.Flags().GetBool("unread")
	f.PinnedOnly, _ = cmd.Flags().GetBool("pinned")
	f.BookmarkedOnly, _ = cmd.Flags().GetBool("bookmarked")
	return f
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("feed", "", "only items of this feed url")
	cmd.Flags().String("tag", "", "only items of feeds with this tag")
	cmd.Flags().Bool("unread", false, "only unread items")
	cmd.Flags().Bool("pinned", false, "only pinned items")
	cmd.Flags().Bool("bookmarked", false, "only bookmarked items")
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid item id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// syncAfter runs a cycle when --sync is set so marks leave immediately.
func syncAfter(ctx context.Context, cmd *cobra.Command, a *app) {
	if now, _ := cmd.Flags().GetBool("sync"); !now {
		fmt.Printf("   %s\n", ui.RenderMuted("Marks are pushed on the next sync"))
		return
	}
	report, err := a.engine.Cycle(ctx)
	if err != nil {
		fmt.Printf("%s Sync failed: %v\n", ui.RenderWarn("⚠"), err)
		fmt.Printf("   Marks are kept and pushed on the next sync\n")
		return
	}
	fmt.Printf("%s Pushed %d read marks\n", ui.RenderPass("✓"), report.Pushed)
}

var itemsReadCmd = &cobra.Command{
	Use:   "read <id>...",
	Short: "Mark items as read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		for _, id := range ids {
			if err := a.engine.MarkRead(ctx, id); err != nil {
				return err
			}
		}
		fmt.Printf("%s Marked %d items as read\n", ui.RenderPass("✓"), len(ids))
		syncAfter(ctx, cmd, a)
		return nil
	},
}

var itemsUnreadCmd = &cobra.Command{
	Use:   "unread <id>...",
	Short: "Mark items as unread on this device",
	Long: `Mark items as unread. Unread state is local: other devices keep the item
read, and an unsent read mark for the item is held back.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, id := range ids {
			if err := a.engine.MarkUnread(cmd.Context(), id); err != nil {
				return err
			}
		}
		fmt.Printf("%s Marked %d items as unread\n", ui.RenderPass("✓"), len(ids))
		return nil
	},
}

var itemsReadKeyCmd = &cobra.Command{
	Use:   "read-key <feed-url> <guid>",
	Short: "Mark an article read by feed url and guid",
	Long: `Mark an article read by its feed url and guid. The article does not have
to be stored yet: the mark is pushed to the chain and applied here once the
article is ingested.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		key := schema.ReadMarkKey{FeedURL: args[0], ArticleGUID: args[1]}
		if err := a.engine.MarkReadByKey(ctx, key); err != nil {
			return err
		}
		fmt.Printf("%s Marked %s as read\n", ui.RenderPass("✓"), key)
		syncAfter(ctx, cmd, a)
		return nil
	},
}

var itemsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every unread item as read (optionally in one feed or tag)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		n, err := a.engine.MarkAllRead(ctx, itemFilter(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("%s Marked %d items as read\n", ui.RenderPass("✓"), n)
		if n > 0 {
			syncAfter(ctx, cmd, a)
		}
		return nil
	},
}

func flagCommand(use, short, done string, set func(context.Context, *db.DB, int64, bool) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			off, _ := cmd.Flags().GetBool("off")

			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range ids {
				if err := set(cmd.Context(), a.store, id, !off); err != nil {
					return err
				}
			}
			state := done
			if off {
				state = "un" + done
			}
			fmt.Printf("%s %d items %s\n", ui.RenderPass("✓"), len(ids), state)
			return nil
		},
	}
	cmd.Flags().Bool("off", false, "clear the flag instead of setting it")
	return cmd
}

var itemsPinCmd = flagCommand("pin", "Pin items so retention never removes them", "pinned",
	func(ctx context.Context, s *db.DB, id int64, on bool) error { return s.SetPinned(ctx, id, on) })

var itemsBookmarkCmd = flagCommand("bookmark", "Bookmark items", "bookmarked",
	func(ctx context.Context, s *db.DB, id int64, on bool) error { return s.SetBookmarked(ctx, id, on) })

var itemsIngestCmd = &cobra.Command{
	Use:   "ingest <file.jsonl>...",
	Short: "Ingest candidate batches from JSONL files",
	Long: `Ingest candidate items from JSONL files, one JSON object per line:

  {"feed_url":"https://example.com/feed","guid":"1","title":"Hello","published":"2026-01-02T15:04:05Z"}

Items already read on another device of the chain are stored as read.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, path := range args {
			batches, err := ingest.ReadJSONLFile(path)
			if err != nil {
				return err
			}
			for i := range batches {
				b := &batches[i]
				r, err := a.ingester.Ingest(cmd.Context(), &b.Feed, b.Candidates)
				if err != nil {
					return err
				}
				printIngestResult(r)
			}
		}
		return nil
	},
}

func printIngestResult(r *ingest.Result) {
	fmt.Printf("%s %s: %d new, %d updated", ui.RenderPass("✓"), r.FeedURL, r.Inserted, r.Updated)
	if r.Applied > 0 {
		fmt.Printf(", %d marked read from chain", r.Applied)
	}
	if r.Evicted > 0 {
		fmt.Printf(", %d evicted", r.Evicted)
	}
	if r.Failed > 0 {
		fmt.Printf(", %s", ui.RenderWarn(fmt.Sprintf("%d failed", r.Failed)))
	}
	fmt.Println()
}

var itemsFetchCmd = &cobra.Command{
	Use:   "fetch [feed-url]...",
	Short: "Fetch subscribed feeds (or subscribe to the given urls and fetch them)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		ua := "feedsync/1.0"
		if cfg.Ingest.UserAgent != "" {
			ua = cfg.Ingest.UserAgent
		}
		poller := ingest.NewPoller(a.store, a.ingester, &ingest.PollerConfig{
			Timeout:   cfg.Sync.Timeout,
			UserAgent: ua,
			Logger:    newLogger("poller"),
		})

		if len(args) == 0 {
			results, err := poller.PollAll(ctx)
			for _, r := range results {
				printIngestResult(r)
			}
			return err
		}

		tag, _ := cmd.Flags().GetString("tag")
		for _, url := range args {
			feed := &schema.Feed{URL: url, Tag: tag}
			if err := feed.Validate(); err != nil {
				return err
			}
			r, err := poller.PollFeed(ctx, feed)
			if err != nil {
				return err
			}
			printIngestResult(r)
		}
		return nil
	},
}

var itemsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply per-feed retention (items.keep_per_feed)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		feeds, err := a.store.ListFeeds(ctx)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(feeds))
		for _, f := range feeds {
			ids = append(ids, f.ID)
		}
		n, err := a.ingester.Cleanup(ctx, ids)
		if err != nil {
			return err
		}
		fmt.Printf("%s Removed %d items beyond %d per feed\n", ui.RenderPass("✓"), n, cfg.Items.KeepPerFeed)
		return nil
	},
}

func init() {
	addFilterFlags(itemsListCmd)
	addOutputFlag(itemsListCmd)
	itemsListCmd.Flags().IntP("limit", "n", 50, "maximum number of items (0 = all)")

	addFilterFlags(itemsReadAllCmd)
	for _, c := range []*cobra.Command{itemsReadCmd, itemsReadKeyCmd, itemsReadAllCmd} {
		c.Flags().Bool("sync", false, "run a sync cycle right away")
	}
	itemsFetchCmd.Flags().String("tag", "", "tag for newly subscribed feeds")

	itemsCmd.AddCommand(
		itemsListCmd,
		itemsReadCmd,
		itemsUnreadCmd,
		itemsReadKeyCmd,
		itemsReadAllCmd,
		itemsPinCmd,
		itemsBookmarkCmd,
		itemsIngestCmd,
		itemsFetchCmd,
		itemsCleanupCmd,
	)
	rootCmd.AddCommand(itemsCmd)
}
