package model

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// blobState values for the tri-state blob machine (§4.2). Observable
// transitions are Empty -> Pending -> Set; Pending -> Empty is forbidden.
const (
	blobEmpty int32 = iota
	blobPending
	blobSet
)

// BlobHandle is the three-state machine guarding a FileRecord's blob
// identity: Empty -> Pending (a worker claimed it and is streaming
// content) -> Set(blobID). The state word is atomic so claimPending is a
// single CAS and is therefore the cross-worker synchronization point:
// claimPending transitions Empty->Pending atomically, and only the
// worker that wins the CAS may stream the blob's content.
type BlobHandle struct {
	state int32 // atomic: blobEmpty | blobPending | blobSet

	mu sync.Mutex // guards id once state reaches blobSet
	id string
}

// NeedsDownload reports whether the blob has not yet been claimed or set.
func (b *BlobHandle) NeedsDownload() bool {
	return atomic.LoadInt32(&b.state) == blobEmpty
}

// ClaimPending attempts the Empty -> Pending transition. It reports false
// if another worker already claimed (or completed) this blob, in which
// case the caller must not stream content for it.
func (b *BlobHandle) ClaimPending() bool {
	return atomic.CompareAndSwapInt32(&b.state, blobEmpty, blobPending)
}

// Finalize completes the Pending -> Set transition, recording the blob
// identifier produced by the object database. Calling Finalize on a record
// that is not Pending is a programming error (exactly one worker may hold
// Pending at a time, per the claimPending contract) and panics.
func (b *BlobHandle) Finalize(id string) {
	if !atomic.CompareAndSwapInt32(&b.state, blobPending, blobSet) {
		panic(fmt.Sprintf("model: Finalize called on blob not in Pending state (id=%q)", id))
	}
	b.mu.Lock()
	b.id = id
	b.mu.Unlock()
}

// IsSet reports whether the blob identifier has been finalized.
func (b *BlobHandle) IsSet() bool {
	return atomic.LoadInt32(&b.state) == blobSet
}

// ID returns the finalized blob identifier. Panics if the blob has not
// been Set yet — mirrors the source's GetBlobOID() throwing on early access.
func (b *BlobHandle) ID() string {
	if !b.IsSet() {
		panic("model: blob OID accessed before it was set")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}
