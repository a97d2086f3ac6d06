package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/cheggaaa/pb/v3"
	"github.com/krau/fashionclf/config"
	"github.com/krau/fashionclf/onnx"
	"github.com/krau/fashionclf/server"
	"github.com/krau/fashionclf/service"
	"github.com/spf13/cobra"
)

var (
	classifyModel    string
	classifyJSON     bool
	classifyProgress bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify [flags] <image|archive.zip>...",
	Short: "Classify image files or zip archives of images",
	Long: `Classify image files or zip archives of images.

Results are printed in argument order. Images inside an archive are listed
as archive.zip:entry in lexical entry order, and an image that cannot be
decoded is reported as a failure without stopping the run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.C()

		if err := onnx.Init(cfg.Libonnx); err != nil {
			return err
		}
		defer onnx.Shutdown()

		reg, closeModels, err := server.LoadModels(cfg)
		if err != nil {
			return err
		}
		defer closeModels()

		bundle, err := reg.Get(classifyModel)
		if err != nil {
			return err
		}
		results, err := classifyPaths(bundle, server.ArchiveClassifier(cfg), args, classifyProgress, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		if classifyJSON {
			return writeJSON(cmd.OutOrStdout(), bundle.Name, results)
		}
		return writeTable(cmd.OutOrStdout(), results)
	},
}

func init() {
	classifyCmd.Flags().StringVarP(&classifyModel, "model", "m", "", "model to use (default from config)")
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "print results as JSON")
	classifyCmd.Flags().BoolVar(&classifyProgress, "progress", true, "show a progress bar")
}

// classifyPaths classifies paths in argument order. Consecutive loose images
// share one batch, and each archive's entries are reported as archive:entry.
func classifyPaths(bundle *service.ModelBundle, ac *service.ArchiveClassifier, paths []string, progress bool, stderr io.Writer) ([]service.PredictionResult, error) {
	var results []service.PredictionResult
	var images []service.ImageInput
	flush := func() error {
		if len(images) == 0 {
			return nil
		}
		res, err := service.ClassifyMany(bundle, images, progressOption(progress, stderr)...)
		if err != nil {
			return err
		}
		results = append(results, res...)
		images = nil
		return nil
	}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		if !strings.EqualFold(filepath.Ext(p), ".zip") {
			images = append(images, service.ImageInput{Name: p, Data: data})
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		res, err := ac.Classify("", bundle, data, progressOption(progress, stderr)...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		for i := range res {
			res[i].ImageName = p + ":" + res[i].ImageName
		}
		results = append(results, res...)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return results, nil
}

func progressOption(enabled bool, w io.Writer) []service.BatchOption {
	if !enabled {
		return nil
	}
	var bar *pb.ProgressBar
	return []service.BatchOption{service.WithProgress(func(done, total int) {
		if bar == nil {
			bar = pb.New(total).SetWriter(w).Start()
		}
		bar.SetCurrent(int64(done))
		if done == total {
			bar.Finish()
		}
	})}
}

func writeTable(w io.Writer, results []service.PredictionResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tPREDICTION")
	for _, r := range results {
		if r.Failed() {
			fmt.Fprintf(tw, "%s\tERROR: %s\n", r.ImageName, r.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", r.ImageName, r.Label)
	}
	if n := service.CountFailed(results); n > 0 {
		fmt.Fprintf(tw, "\n%d of %d images failed\n", n, len(results))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, model string, results []service.PredictionResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(server.BatchResponse{
		Model:   model,
		Results: results,
		Failed:  service.CountFailed(results),
	})
}
