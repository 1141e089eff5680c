package cli

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/slotwatch/internal/challenge"
)

func newSolveCmd(recognizers RecognizerFactory) *cobra.Command {
	var (
		outPath       string
		language      string
		minConfidence float64
		blockSize     int
		offset        int
	)

	cmd := &cobra.Command{
		Use:   "solve <image-file>",
		Short: "Read the code from a saved captcha image",
		Long: `Runs the captcha pipeline on a local file: preprocessing, recognition and
code validation. The file may hold raw image bytes or a base64 data URI as
returned by the service. Use --out to inspect the preprocessed image.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			img, err := decodeChallengeFile(data)
			if err != nil {
				return err
			}

			prep := challenge.PreprocessOptions{BlockSize: blockSize, Offset: offset}
			if outPath != "" {
				var buf bytes.Buffer
				if err := png.Encode(&buf, challenge.Preprocess(img, prep)); err != nil {
					return fmt.Errorf("encode preprocessed image: %w", err)
				}
				if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("write preprocessed image: %w", err)
				}
				logger.Info("preprocessed image written", "path", outPath)
			}

			rec, err := recognizers(language)
			if err != nil {
				return fmt.Errorf("open recognizer: %w", err)
			}
			defer rec.Close()

			solver := challenge.NewSolver(rec, challenge.Config{
				MaxAttempts:   1,
				MinConfidence: minConfidence,
				Preprocess:    prep,
			}, logger)
			code, err := solver.Read(cmd.Context(), img)
			if errors.Is(err, challenge.ErrUnrecognized) {
				return fmt.Errorf("no confident %d-character code found", challenge.CodeLength)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the preprocessed image as PNG")
	cmd.Flags().StringVar(&language, "lang", "eng", "OCR language")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", challenge.DefaultMinConfidence, "Minimum OCR confidence (0-1)")
	cmd.Flags().IntVar(&blockSize, "block-size", challenge.DefaultBlockSize, "Adaptive threshold window size (odd)")
	cmd.Flags().IntVar(&offset, "offset", challenge.DefaultOffset, "Adaptive threshold offset")

	return cmd
}

// decodeChallengeFile accepts raw image bytes or a data URI.
func decodeChallengeFile(data []byte) (image.Image, error) {
	if img, err := challenge.DecodeImage(data); err == nil {
		return img, nil
	}
	img, err := challenge.DecodeDataURI(string(data))
	if err != nil {
		return nil, fmt.Errorf("not an image or data URI: %w", err)
	}
	return img, nil
}
