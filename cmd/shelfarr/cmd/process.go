package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shelfarr/shelfarr/internal/fsops"
	"github.com/shelfarr/shelfarr/internal/models"
	"github.com/shelfarr/shelfarr/internal/postprocess"
	"github.com/shelfarr/shelfarr/internal/workspace"
)

var processFlags struct {
	input        string
	title        string
	author       string
	series       string
	seriesPos    string
	subtitle     string
	year         string
	format       string
	contentType  string
	source       string
	searchMode   string
	originalPath string
}

// processCmd runs one post-processing pipeline invocation against a
// completed download.
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Import a completed download into the library",
	Long: `Run the post-download processing pipeline for a single completed
download. The input may be a file or a directory; external (torrent/Usenet)
sources are never modified.`,
	RunE: runProcess,
}

func init() {
	f := processCmd.Flags()
	f.StringVar(&processFlags.input, "input", "", "path to the completed download (file or directory)")
	f.StringVar(&processFlags.title, "title", "", "book title")
	f.StringVar(&processFlags.author, "author", "", "book author")
	f.StringVar(&processFlags.series, "series", "", "series name")
	f.StringVar(&processFlags.seriesPos, "series-position", "", "position within the series")
	f.StringVar(&processFlags.subtitle, "subtitle", "", "subtitle")
	f.StringVar(&processFlags.year, "year", "", "publication year")
	f.StringVar(&processFlags.format, "format", "epub", "expected primary file extension")
	f.StringVar(&processFlags.contentType, "content-type", "book", "content type (book, audiobook, comic, ...)")
	f.StringVar(&processFlags.source, "source", string(models.SourceDirectDownload), "download source tag")
	f.StringVar(&processFlags.searchMode, "search-mode", string(models.SearchModeDirect), "search mode (direct, universal)")
	f.StringVar(&processFlags.originalPath, "original-path", "", "original download path for torrent-like sources")

	_ = processCmd.MarkFlagRequired("input")
	_ = processCmd.MarkFlagRequired("title")
	_ = processCmd.MarkFlagRequired("author")

	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	mgr, err := workspace.NewManager(cfg.Storage.TmpDir, logger)
	if err != nil {
		return err
	}

	if cfg.Janitor.Enabled {
		janitor := workspace.NewJanitor(mgr, cfg.Janitor.Retention, logger)
		janitor.Sweep()
	}

	task := models.DownloadTask{
		TaskID:               models.NewTaskID(),
		Source:               models.Source(processFlags.source),
		Title:                processFlags.title,
		Author:               processFlags.author,
		Series:               processFlags.series,
		SeriesPosition:       processFlags.seriesPos,
		Subtitle:             processFlags.subtitle,
		Year:                 processFlags.year,
		Format:               processFlags.format,
		ContentType:          models.ContentType(processFlags.contentType),
		SearchMode:           models.SearchMode(processFlags.searchMode),
		OriginalDownloadPath: processFlags.originalPath,
	}

	sink := models.StatusFunc(func(kind models.StatusKind, message string) {
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", kind, message)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	folder := postprocess.NewFolderHandler(cfg, mgr, fsops.New(logger), logger)
	router := postprocess.NewRouter(folder, logger)

	dest, err := router.Process(ctx, processFlags.input, task, sink)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), dest)
	return nil
}
