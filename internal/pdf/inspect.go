package pdf

import (
	"fmt"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCount は PDF のページ数を返します。
func PageCount(path string) (int, error) {
	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages of %s: %w", path, err)
	}
	return pages, nil
}
