package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/vcfbot/docpipe"
	"github.com/hazyhaar/vcfbot/vcard"
)

// The tool commands run one engine operation on local files. Results go to
// --output, or stdout when it is empty or "-".

func (a *app) pipeline() *docpipe.Pipeline {
	return docpipe.New(docpipe.Config{MaxFileSize: a.cfg.Limits.MaxFileBytes, Logger: a.logger})
}

func (a *app) toolCmds() []*cobra.Command {
	return []*cobra.Command{
		a.countCmd(),
		a.txt2vcfCmd(),
		a.vcf2txtCmd(),
		a.sheet2vcfCmd(),
		a.mergeCmd(),
		a.splitCmd(),
		a.addCmd(),
		a.deleteCmd(),
		a.renameCmd(),
	}
}

func (a *app) countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count FILE",
		Short: "Count the contacts of a VCF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := a.readVCF(cmd, args[0])
			if err != nil {
				return err
			}
			st := vcard.Count(seq)
			fmt.Fprintf(a.stdout, "file:       %s\ncontacts:   %d\nwith name:  %d\nwith phone: %d\n",
				filepath.Base(args[0]), st.Total, st.WithName, st.WithPhone)
			return nil
		},
	}
}

func (a *app) txt2vcfCmd() *cobra.Command {
	var (
		out  string
		auto bool
	)
	cmd := &cobra.Command{
		Use:   "txt2vcf FILE",
		Short: "Convert name|phone lines to VCF",
		Long: `txt2vcf reads one contact per line. Without --auto every line must be
"name|phone". With --auto the separator (| , ; tab) is detected from the
first lines and phones are normalized to the +62 form.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := a.pipeline().ReadLines(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			mode := vcard.ModeExplicit
			if auto {
				mode = vcard.ModeAuto
			}
			res, err := vcard.IngestDelimited(lines, mode)
			if err != nil {
				return err
			}
			if len(res.Records) == 0 {
				return &vcard.EmptyResultError{Op: "ingest"}
			}
			a.logger.Info("txt2vcf", "records", len(res.Records), "skipped", res.Skipped, "separator", res.Separator.String())
			return a.emit(out, vcard.Serialize(res.Records))
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&auto, "auto", false, "detect the separator and normalize phones")
	return cmd
}

func (a *app) vcf2txtCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "vcf2txt FILE",
		Short: "Export a VCF file as name|phone lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := a.readVCF(cmd, args[0])
			if err != nil {
				return err
			}
			lines := vcard.ExportDelimited(seq)
			if len(lines) == 0 {
				return &vcard.EmptyResultError{Op: "export"}
			}
			return a.emit(out, strings.Join(lines, "\n")+"\n")
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}

func (a *app) sheet2vcfCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:     "sheet2vcf FILE",
		Aliases: []string{"xlsx2vcf", "csv2vcf"},
		Short:   "Convert an XLSX or CSV sheet to VCF",
		Long: `sheet2vcf reads the first sheet. The name and phone columns are found
from the header row, falling back to the first two columns.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sheet, err := a.pipeline().ReadSheet(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pairs := make([]vcard.Pair, len(sheet.Pairs))
			for i, p := range sheet.Pairs {
				pairs[i] = vcard.Pair{Name: p.Name, Phone: p.Phone}
			}
			seq, err := vcard.FromPairs(pairs)
			if err != nil {
				return err
			}
			a.logger.Info("sheet2vcf", "records", len(seq), "rows", sheet.Rows,
				"name_column", sheet.NameColumn, "phone_column", sheet.PhoneColumn)
			return a.emit(out, vcard.Serialize(seq))
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}

func (a *app) mergeCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "merge FILE...",
		Short: "Merge VCF files, or TXT files with per-file headers",
		Long: `merge concatenates the records of every VCF file in order. When the
first file is a TXT file, every file is merged as text instead, each
preceded by a "=== File N: name ===" header.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipe := a.pipeline()
			format, err := pipe.Detect(args[0])
			if err != nil {
				return err
			}
			texts := make([]docpipe.NamedText, 0, len(args))
			for _, path := range args {
				f, err := pipe.Detect(path)
				if err != nil {
					return err
				}
				if f != format {
					return fmt.Errorf("merge: %s is %s, want %s", path, f, format)
				}
				text, err := pipe.ReadText(cmd.Context(), path)
				if err != nil {
					return err
				}
				texts = append(texts, docpipe.NamedText{Name: path, Text: text})
			}

			switch format {
			case docpipe.FormatTXT:
				merged, n := docpipe.MergeText(texts)
				if n == 0 {
					return &vcard.EmptyResultError{Op: "merge"}
				}
				return a.emit(out, merged)
			case docpipe.FormatVCF:
				docs := make([]string, len(texts))
				for i, t := range texts {
					docs[i] = t.Text
				}
				seq, err := vcard.Merge(docs...)
				if err != nil {
					return err
				}
				a.logger.Info("merge", "files", len(docs), "records", len(seq))
				return a.emit(out, vcard.Serialize(seq))
			default:
				return fmt.Errorf("merge: %s files cannot be merged", format)
			}
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}

func (a *app) splitCmd() *cobra.Command {
	var (
		dir   string
		parts int
		size  int
	)
	cmd := &cobra.Command{
		Use:   "split FILE",
		Short: "Split a VCF file into parts",
		Long: `split writes split_part_N.vcf files with --parts K (K balanced parts) or
contacts_N.vcf files with --size N (N contacts per file, the last one
shorter) into the output directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (parts > 0) == (size > 0) {
				return errors.New("split: set exactly one of --parts or --size")
			}
			seq, err := a.readVCF(cmd, args[0])
			if err != nil {
				return err
			}
			var (
				chunks []vcard.Sequence
				name   string
			)
			if parts > 0 {
				chunks, err = vcard.SplitParts(seq, parts)
				name = "split_part_%d.vcf"
			} else {
				chunks, err = vcard.SplitSize(seq, size)
				name = "contacts_%d.vcf"
			}
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			for i, c := range chunks {
				path := filepath.Join(dir, fmt.Sprintf(name, i+1))
				if err := os.WriteFile(path, []byte(vcard.Serialize(c)), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s\t%d\n", path, len(c))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "output", "o", ".", "output directory")
	cmd.Flags().IntVar(&parts, "parts", 0, "number of balanced parts (at least 2)")
	cmd.Flags().IntVar(&size, "size", 0, "contacts per file (at least 1)")
	return cmd
}

func (a *app) addCmd() *cobra.Command {
	var out, name, phone string
	cmd := &cobra.Command{
		Use:   "add FILE",
		Short: "Append a contact to a VCF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := a.readVCF(cmd, args[0])
			if err != nil {
				return err
			}
			seq, err = vcard.Append(seq, name, phone)
			if err != nil {
				return err
			}
			return a.emit(out, vcard.Serialize(seq))
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&name, "name", "", "contact name")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("phone")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "delete FILE INDEX",
		Short: "Remove the contact at a 1-based index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("delete: index %q is not a number", args[1])
			}
			seq, err := a.readVCF(cmd, args[0])
			if err != nil {
				return err
			}
			seq, removed, err := vcard.DeleteAt(seq, index)
			if err != nil {
				return err
			}
			a.logger.Info("delete", "index", index, "name", removed.Name(), "phone", removed.Phone())
			return a.emit(out, vcard.Serialize(seq))
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}

func (a *app) renameCmd() *cobra.Command {
	var (
		out   string
		exact bool
	)
	cmd := &cobra.Command{
		Use:   "rename FILE OLD NEW",
		Short: "Rename contacts in a VCF file",
		Long: `rename replaces OLD with NEW in every name line. Without --exact any
name starting with OLD is affected; with --exact only names equal to OLD.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := a.pipeline().ReadText(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			mode := vcard.RenameSubstring
			if exact {
				mode = vcard.RenameExact
			}
			res, err := vcard.Rename(doc, args[1], args[2], mode)
			if err != nil {
				return err
			}
			a.logger.Info("rename", "mode", mode.String(), "replaced", res.Replaced)
			return a.emit(out, res.Document)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&exact, "exact", false, "match whole names only")
	return cmd
}

// readVCF reads and parses a contact list, rejecting other formats.
func (a *app) readVCF(cmd *cobra.Command, path string) (vcard.Sequence, error) {
	pipe := a.pipeline()
	format, err := pipe.Detect(path)
	if err != nil {
		return nil, err
	}
	if format != docpipe.FormatVCF {
		return nil, fmt.Errorf("%s: want a .vcf file, got %s", filepath.Base(path), format)
	}
	text, err := pipe.ReadText(cmd.Context(), path)
	if err != nil {
		return nil, err
	}
	return vcard.Parse(text), nil
}

func (a *app) emit(out, data string) error {
	if out == "" || out == "-" {
		_, err := fmt.Fprint(a.stdout, data)
		return err
	}
	if err := os.WriteFile(out, []byte(data), 0o644); err != nil {
		return err
	}
	a.logger.Info("written", "path", out, "bytes", len(data))
	return nil
}
