// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boxindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/codec"
	"github.com/bureau-foundation/boxsync/lib/keyring"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// Index file layout:
//
//	[Magic: "BOXIDX"] [Format version: uint16 BE] [Header length: uint32 BE]
//	[Header: CBOR, plaintext] [Body: sealed blob]
//
// The body is the CBOR snapshot sealed under the box's index key. Its
// associated data is every byte before it, so the header cannot be
// edited without failing authentication.
var magic = []byte("BOXIDX")

// FormatVersion is the index file format written by this package.
const FormatVersion uint16 = 1

// maxHeaderLength bounds the header read before any key exists.
const maxHeaderLength = 64 * 1024

const prefixLength = 6 + 2 + 4

// Header is the plaintext part of the index file: enough to identify
// the box and derive its key, and nothing else.
type Header struct {
	FormatVersion uint16                 `cbor:"format"`
	BoxID         string                 `cbor:"box"`
	KDF           boxcrypto.KDFParams    `cbor:"kdf"`
	Credentials   keyring.BoxCredentials `cbor:"credentials"`

	// SnapshotVersion is the committed version of the body.
	SnapshotVersion uint64 `cbor:"snapshot_version"`
}

// ReadHeader reads only the plaintext header of the index at path. It
// needs no key, so callers use it to learn the box id and KDF
// parameters before asking for a passphrase.
func ReadHeader(path string) (Header, error) {
	file, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer file.Close()

	header, _, err := readHeader(file)
	return header, err
}

// ParseHeader reads the plaintext header from index bytes held in
// memory, such as a blob fetched during recovery.
func ParseHeader(data []byte) (Header, error) {
	header, _, err := readHeader(bytes.NewReader(data))
	return header, err
}

func readHeader(reader io.Reader) (Header, []byte, error) {
	prefix := make([]byte, prefixLength)
	if _, err := io.ReadFull(reader, prefix); err != nil {
		return Header{}, nil, fmt.Errorf("%w: reading index prefix: %v", boxerr.ErrIntegrity, err)
	}
	if !bytes.Equal(prefix[:6], magic) {
		return Header{}, nil, fmt.Errorf("%w: not a box index (bad magic)", boxerr.ErrIntegrity)
	}
	version := binary.BigEndian.Uint16(prefix[6:8])
	if version != FormatVersion {
		return Header{}, nil, fmt.Errorf("index format version %d is not supported (expected %d)", version, FormatVersion)
	}
	length := binary.BigEndian.Uint32(prefix[8:12])
	if length == 0 || length > maxHeaderLength {
		return Header{}, nil, fmt.Errorf("%w: header length %d out of range", boxerr.ErrIntegrity, length)
	}

	headerBytes := make([]byte, length)
	if _, err := io.ReadFull(reader, headerBytes); err != nil {
		return Header{}, nil, fmt.Errorf("%w: reading index header: %v", boxerr.ErrIntegrity, err)
	}
	var header Header
	if err := codec.Unmarshal(headerBytes, &header); err != nil {
		return Header{}, nil, fmt.Errorf("%w: decoding index header: %v", boxerr.ErrIntegrity, err)
	}
	if header.FormatVersion != version {
		return Header{}, nil, fmt.Errorf("%w: header format %d disagrees with prefix %d", boxerr.ErrIntegrity, header.FormatVersion, version)
	}
	return header, append(prefix, headerBytes...), nil
}

// encodeIndex serializes and seals snapshot under header.
func encodeIndex(header Header, snapshot *Snapshot, sealer *boxcrypto.Sealer) ([]byte, error) {
	header.FormatVersion = FormatVersion
	header.SnapshotVersion = snapshot.Version
	headerBytes, err := codec.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encoding index header: %w", err)
	}

	body := snapshotBody{
		Version:     snapshot.Version,
		MutationSeq: snapshot.MutationSeq,
		Files:       make([]*FileRecord, 0, len(snapshot.Files)),
		Folders:     make([]*FolderRecord, 0, len(snapshot.Folders)),
	}
	for _, record := range snapshot.Files {
		body.Files = append(body.Files, record)
	}
	for _, folder := range snapshot.Folders {
		body.Folders = append(body.Folders, folder)
	}
	for _, blob := range snapshot.Blobs {
		body.Blobs = append(body.Blobs, blob)
	}
	sortFiles(body.Files)
	sortFolders(body.Folders)
	sortBlobs(body.Blobs)

	plaintext, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	defer secret.Zero(plaintext)

	output := make([]byte, 0, prefixLength+len(headerBytes)+boxcrypto.SealedOverhead+len(plaintext))
	output = append(output, magic...)
	output = binary.BigEndian.AppendUint16(output, FormatVersion)
	output = binary.BigEndian.AppendUint32(output, uint32(len(headerBytes)))
	output = append(output, headerBytes...)

	sealed, err := sealer.Encrypt(plaintext, output)
	if err != nil {
		return nil, fmt.Errorf("sealing snapshot: %w", err)
	}
	return append(output, boxcrypto.MarshalSealed(sealed)...), nil
}

// decodeIndex parses and authenticates a whole index file.
func decodeIndex(data []byte, indexKey *secret.Buffer) (Header, *Snapshot, error) {
	header, authenticated, err := readHeader(bytes.NewReader(data))
	if err != nil {
		return Header{}, nil, err
	}
	sealed, err := boxcrypto.UnmarshalSealed(data[len(authenticated):])
	if err != nil {
		return Header{}, nil, fmt.Errorf("index body: %w", err)
	}
	plaintext, err := boxcrypto.Open(indexKey, sealed, authenticated)
	if err != nil {
		return Header{}, nil, fmt.Errorf("index body: %w", err)
	}
	defer secret.Zero(plaintext)

	var body snapshotBody
	if err := codec.Unmarshal(plaintext, &body); err != nil {
		return Header{}, nil, fmt.Errorf("%w: decoding snapshot: %v", boxerr.ErrIntegrity, err)
	}
	if body.Version != header.SnapshotVersion {
		return Header{}, nil, fmt.Errorf("%w: snapshot version %d disagrees with header %d", boxerr.ErrIntegrity, body.Version, header.SnapshotVersion)
	}

	snapshot := emptySnapshot()
	snapshot.Version = body.Version
	snapshot.MutationSeq = body.MutationSeq
	for _, record := range body.Files {
		if err := record.validate(); err != nil {
			return Header{}, nil, fmt.Errorf("%w: %v", boxerr.ErrIntegrity, err)
		}
		snapshot.Files[record.LocalID] = record
	}
	for _, folder := range body.Folders {
		snapshot.Folders[folder.ID] = folder
	}
	for _, blob := range body.Blobs {
		snapshot.Blobs[blob.RemoteID] = blob
	}
	return header, snapshot, nil
}
