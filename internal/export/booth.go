package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/go-pdf/fpdf"

	"stampline/internal/domain"
)

// BoothMetadata is the storefront listing written next to the catalogue PDF.
type BoothMetadata struct {
	TitleJA       string   `json:"title_ja"`
	TitleEN       string   `json:"title_en"`
	DescriptionJA string   `json:"description_ja"`
	DescriptionEN string   `json:"description_en"`
	Tags          []string `json:"tags"`
	PriceJPY      int      `json:"price_jpy"`
}

// DefaultBoothMetadata fills the listing template for a set.
func DefaultBoothMetadata(b Bundle) BoothMetadata {
	return BoothMetadata{
		TitleJA:       "キャラクタースタンプ",
		TitleEN:       "Character Stamps",
		DescriptionJA: fmt.Sprintf("日常会話で使える「%s」スタンプセットです。", b.Theme),
		DescriptionEN: fmt.Sprintf("A set of %s character stamps for daily conversation.", b.Theme),
		Tags:          []string{b.Theme, "スタンプ", "キャラクター", "LINE"},
		PriceJPY:      300,
	}
}

type BoothOptions struct {
	// FontPath is a UTF-8 TTF used for the Japanese listing text. Without it
	// the PDF uses Helvetica and the English texts.
	FontPath string
	Metadata *BoothMetadata
}

const (
	boothCols       = 4
	boothRows       = 5
	boothCellW      = 45.0
	boothCellH      = 40.0
	boothGap        = 5.0
	boothLeft       = 20.0
	boothTop        = 30.0
	boothPhraseMax  = 15
	boothFontFamily = "stampfont"
)

const boothTermsEN = `This stamp set is for personal use only.

Permitted:
- Use as LINE stamps
- Personal social media posts
- Private communication

Not permitted:
- Commercial use
- Resale or redistribution
- Use that infringes copyright
- Use that breaks the law

Disclaimer:
- We accept no liability for any damage caused by these stamps.
- These terms may change without notice.`

const boothTermsJA = `このスタンプセットは個人的利用のみを目的としています。

【利用可能な範囲】
- LINEスタンプとしての利用
- 個人的なSNS投稿
- プライベートなコミュニケーション

【禁止事項】
- 商業利用
- 再販売・配布
- 著作権を侵害する利用
- 法令に違反する利用

【免責事項】
- 本スタンプによるいかなる損害も責任を負いかねます
- 利用規約は予告なく変更することがあります`

// WriteBooth renders the storefront catalogue for a bundle, placing stamps
// four across and five down per page between a title page and a terms page.
// It writes <set>.pdf and <set>_metadata.json into dir and returns the PDF
// path. Images that cannot be read show as an empty frame.
func WriteBooth(ctx context.Context, b Bundle, src Reader, dir string, opts BoothOptions) (string, error) {
	meta := DefaultBoothMetadata(b)
	if opts.Metadata != nil {
		meta = *opts.Metadata
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create export dir: %w", domain.ErrPersistence, err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	family, title, desc := "Helvetica", meta.TitleEN, meta.DescriptionEN
	termsTitle, terms := "Terms of use", boothTermsEN
	text := pdf.UnicodeTranslatorFromDescriptor("")
	if opts.FontPath != "" {
		pdf.AddUTF8Font(boothFontFamily, "", opts.FontPath)
		family, title, desc = boothFontFamily, meta.TitleJA, meta.DescriptionJA
		termsTitle, terms = "利用規約", boothTermsJA
		text = func(s string) string { return s }
	}
	pdf.SetFont(family, "", 12)

	pdf.AddPage()
	pdf.SetFontSize(20)
	pdf.CellFormat(0, 15, text(title), "", 1, "C", false, 0, "")
	pdf.Ln(10)
	pdf.SetFontSize(12)
	pdf.MultiCell(0, 10, text(desc), "", "C", false)

	for i, item := range b.Artifacts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		slot := i % (boothCols * boothRows)
		if slot == 0 {
			pdf.AddPage()
		}
		x := boothLeft + float64(slot%boothCols)*(boothCellW+boothGap)
		y := boothTop + float64(slot/boothCols)*(boothCellH+boothGap)

		pdf.SetFontSize(8)
		pdf.Text(x, y-5, fmt.Sprintf("%02d", item.PhraseIndex+1))
		if !placeImage(ctx, pdf, src, item, x, y) {
			pdf.Rect(x, y, boothCellW, boothCellH, "D")
		}
		pdf.SetFontSize(6)
		pdf.Text(x, y+boothCellH+2, text(shorten(item.Phrase, boothPhraseMax)))
	}

	pdf.AddPage()
	pdf.SetFontSize(16)
	pdf.CellFormat(0, 15, text(termsTitle), "", 1, "C", false, 0, "")
	pdf.Ln(15)
	pdf.SetFontSize(10)
	pdf.MultiCell(0, 8, text(terms), "", "L", false)

	pdfPath := filepath.Join(dir, b.SetID+".pdf")
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return "", fmt.Errorf("%w: write booth pdf: %w", domain.ErrProcessing, err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return pdfPath, err
	}
	if err := os.WriteFile(filepath.Join(dir, b.SetID+"_metadata.json"), data, 0o644); err != nil {
		return pdfPath, fmt.Errorf("%w: write booth metadata: %w", domain.ErrPersistence, err)
	}
	return pdfPath, nil
}

// placeImage draws the artifact into its cell. A read or decode failure is
// cleared from the document so the rest of the catalogue still renders.
func placeImage(ctx context.Context, pdf *fpdf.Fpdf, src Reader, item Item, x, y float64) bool {
	data, err := src.Read(ctx, item.Path)
	if err != nil {
		return false
	}
	name := item.ArtifactID
	if name == "" {
		name = item.Path
	}
	opt := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(name, opt, bytes.NewReader(data))
	if pdf.Err() {
		pdf.ClearError()
		return false
	}
	pdf.ImageOptions(name, x, y, boothCellW, boothCellH, false, opt, 0, "")
	return true
}

func shorten(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
