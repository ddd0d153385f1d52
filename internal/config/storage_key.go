package config

import (
	"fmt"
)

// StorageKeyStruct builds the namespaces of the durable local store. Every
// namespace is scoped to one submission.
type StorageKeyStruct struct {
	prefix string
}

func NewStorageKeyStruct(prefix string) *StorageKeyStruct {
	return &StorageKeyStruct{prefix: prefix}
}

// OfflineAnswersKey returns the durable namespace for answers that could not be
// synchronized. Entries inside it are keyed by question ID.
func (k *StorageKeyStruct) OfflineAnswersKey(submissionID string) string {
	return fmt.Sprintf("%s:submission:%s:offline_answers", k.prefix, submissionID)
}

// ViolationQueueKey returns the durable namespace for undelivered violations.
// Entries inside it are keyed by violation ID.
func (k *StorageKeyStruct) ViolationQueueKey(submissionID string) string {
	return fmt.Sprintf("%s:submission:%s:violations", k.prefix, submissionID)
}

// PendingSubmissionKey returns the durable namespace for the submit recovery record.
func (k *StorageKeyStruct) PendingSubmissionKey(submissionID string) string {
	return fmt.Sprintf("%s:submission:%s:pending_submit", k.prefix, submissionID)
}

// SessionSnapshotKey returns the durable namespace for the session snapshot.
func (k *StorageKeyStruct) SessionSnapshotKey(submissionID string) string {
	return fmt.Sprintf("%s:submission:%s:snapshot", k.prefix, submissionID)
}

// BridgeSessionKey returns the namespace holding the active kiosk bridge token ID.
func (k *StorageKeyStruct) BridgeSessionKey(submissionID string) string {
	return fmt.Sprintf("%s:submission:%s:bridge", k.prefix, submissionID)
}

// SubmissionPattern matches every durable namespace, used by inspection tooling.
func (k *StorageKeyStruct) SubmissionPattern() string {
	return k.prefix + ":submission:*"
}

var StorageKey = NewStorageKeyStruct("exstem")
