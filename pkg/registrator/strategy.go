package registrator

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// HashedStoreStrategy spreads data sets over three levels of directories
// derived from the md5 of their code:
//
//	<store-root>/<share-id>/<h[0:2]>/<h[2:4]>/<h[4:6]>
//
// so no single directory accumulates every data set of a share.
type HashedStoreStrategy struct{}

// StoreBaseDirectory hashes the data set code into three directory levels
// below the share.
func (HashedStoreStrategy) StoreBaseDirectory(storeRoot string, info DataSetInformation) string {
	sum := md5.Sum([]byte(strings.ToUpper(info.Code)))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(storeRoot, info.ShareID, h[0:2], h[2:4], h[4:6])
}

// FlatStoreStrategy stores every data set directly under its share.
type FlatStoreStrategy struct{}

func (FlatStoreStrategy) StoreBaseDirectory(storeRoot string, info DataSetInformation) string {
	return filepath.Join(storeRoot, info.ShareID)
}

// relativeToStore returns path relative to storeRoot, failing when path
// escapes the root.
func relativeToStore(storeRoot, path string) (string, error) {
	rel, err := filepath.Rel(storeRoot, path)
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", &pathError{path: path, root: storeRoot}
	}
	return rel, nil
}

type pathError struct {
	path, root string
}

func (e *pathError) Error() string {
	return e.path + " is not below " + e.root
}

func (e *pathError) Unwrap() error {
	return ErrPathOutsideStore
}
