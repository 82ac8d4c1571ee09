package document

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pminervini/open-deep-research/internal/workspace"
	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/types"
)

const captionPromptTemplate = `Write a caption of 5 sentences for this %s. Pay special attention to any details that might be useful for someone answering the following question:
%s. But do not try to answer the question directly!
Do not add any information that is not present in the %s.`

// Describer produces short descriptions of attached files, used to brief the
// manager about a task's attachments before the run starts.
type Describer struct {
	Dispatcher *Dispatcher
	Vision     llm.VisionProvider
	Model      llm.Provider
	ModelName  string
	// TextLimit bounds the document text handed to the model.
	TextLimit int
}

// Describe returns an indented bullet describing one file. Zip archives are
// unpacked next to the archive and each member is described in turn.
func (d *Describer) Describe(ctx context.Context, path, question string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return d.DescribeZip(ctx, path, question)
	}
	return d.describeSingle(ctx, path, question)
}

func (d *Describer) describeSingle(ctx context.Context, path, question string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".png" || ext == ".jpg" || ext == ".jpeg":
		desc, err := d.describeImage(ctx, path, question)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(" - Attached image: %s\n     -> Image description: %s", path, desc), nil

	case siblingImageExts[ext]:
		var (
			desc string
			err  error
		)
		if png, ok := workspace.Sibling(path, ".png"); ok {
			path = png
			desc, err = d.describeImage(ctx, png, question)
		} else {
			desc, err = d.describeDocument(ctx, path, question)
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(" - Attached document: %s\n     -> File description: %s", path, desc), nil

	case ext == ".mp3" || ext == ".m4a" || ext == ".wav":
		return " - Attached audio: " + path, nil
	}
	return " - Attached file: " + path, nil
}

// DescribeZip unpacks path and describes every member, indented by four spaces.
func (d *Describer) DescribeZip(ctx context.Context, path, question string) (string, error) {
	folder := strings.TrimSuffix(path, filepath.Ext(path))
	if err := unpackZip(path, folder); err != nil {
		return "", err
	}

	var b strings.Builder
	err := filepath.WalkDir(folder, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		desc, err := d.describeSingle(ctx, p, question)
		if err != nil {
			return err
		}
		b.WriteString("\n" + indent(desc, "    "))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("describe zip %s: %w", path, err)
	}
	return b.String(), nil
}

func (d *Describer) describeImage(ctx context.Context, path, question string) (string, error) {
	if d.Vision == nil {
		return "(no visual capability available)", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mt := "image/png"
	if e := strings.ToLower(filepath.Ext(path)); e == ".jpg" || e == ".jpeg" {
		mt = "image/jpeg"
	}
	return d.Vision.DescribeImage(ctx, llm.ImageInput{Data: data, MIMEType: mt},
		fmt.Sprintf(captionPromptTemplate, "image", question, "image"))
}

func (d *Describer) describeDocument(ctx context.Context, path, question string) (string, error) {
	doc, err := d.Dispatcher.ConvertFile(ctx, path)
	if err != nil {
		return "", err
	}
	if d.Model == nil {
		return doc.Title, nil
	}
	text := doc.Text
	if d.TextLimit > 0 {
		if r := []rune(text); len(r) > d.TextLimit {
			text = string(r[:d.TextLimit]) + "\n" + TruncationMarker
		}
	}
	resp, err := d.Model.Completion(ctx, &llm.ChatRequest{
		Model: d.ModelName,
		Messages: []types.Message{
			types.NewSystemMessage("Here is a file:\n### " + doc.Title + "\n\n" + text),
			types.NewUserMessage(fmt.Sprintf(captionPromptTemplate, "document", question, "document")),
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", path, err)
	}
	return strings.TrimSpace(resp.FirstMessage().Content), nil
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}

// unpackZip extracts archive into dest, rejecting members that escape it.
func unpackZip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open zip %s: %w", archive, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("zip member %q escapes the destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractMember(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractMember(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(rc, maxZipEntryBytes)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
