package dochub

import "strings"

const notebookIDPrefix = "notebook-"

// DocumentPath derives the notebook content path Jupyter should persist a
// document snapshot under, from its opaque docId: strip the "notebook-"
// prefix, turn remaining hyphens into path separators, and default to
// "tmp.ipynb" for anything that doesn't look like a notebook id.
func DocumentPath(docID string) string {
	if !strings.HasPrefix(docID, notebookIDPrefix) {
		return "tmp.ipynb"
	}
	rest := strings.TrimPrefix(docID, notebookIDPrefix)
	rest = strings.ReplaceAll(rest, "-", "/")
	if !strings.HasSuffix(rest, ".ipynb") {
		rest += ".ipynb"
	}
	return rest
}
