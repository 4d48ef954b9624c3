// Package pdf はエクスポート成果物のバイト列検証・正規化を提供します。
package pdf

import (
	"bytes"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// ErrNotPDF は入力バイト列がPDFでないことを表します。
var ErrNotPDF = fmt.Errorf("source bytes are not a PDF")

// PrepareExport はエクスポート用のPDFバイト列を検証し、必要に応じて最適化します。
// optimize が false の場合は検証のみを行い、元のバイト列をそのまま返します。
// 最適化に失敗した場合は元のバイト列へフォールバックします（成果物は常に有効なPDF）。
func PrepareExport(data []byte, optimize bool) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrNotPDF
	}
	if !mimetype.Detect(data).Is("application/pdf") {
		return nil, ErrNotPDF
	}

	if !optimize {
		return data, nil
	}

	var out bytes.Buffer
	if err := pdfapi.Optimize(bytes.NewReader(data), &out, nil); err != nil {
		return data, nil
	}
	return out.Bytes(), nil
}
