package response

// ErrCode is a typed error code enum for consistent bridge error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Attempt ───────────────────────────────────────────────────────
	ErrSessionNotActive   ErrCode = "SESSION_NOT_ACTIVE"
	ErrRequiredUnanswered ErrCode = "REQUIRED_UNANSWERED"
	ErrSyncFailed         ErrCode = "SYNC_FAILED"
	ErrTimeExpired        ErrCode = "TIME_EXPIRED"
	ErrAlreadySubmitted   ErrCode = "ALREADY_SUBMITTED"
	ErrSubmitPending      ErrCode = "SUBMIT_PENDING"
	ErrSaveBlocked        ErrCode = "SAVE_BLOCKED"
	ErrRemoteUnavailable  ErrCode = "REMOTE_UNAVAILABLE"
	ErrRemoteRejected     ErrCode = "REMOTE_REJECTED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrSessionInvalidated:
		return "Sesi kiosk telah digantikan. Silakan buka ulang aplikasi ujian."
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Attempt ───────────────────────────────────────────────────────
	case ErrSessionNotActive:
		return "Ujian tidak sedang berlangsung."
	case ErrRequiredUnanswered:
		return "Masih ada soal wajib yang belum dijawab."
	case ErrSyncFailed:
		return "Jawaban belum tersimpan ke server. Periksa koneksi lalu coba lagi."
	case ErrTimeExpired:
		return "Waktu ujian telah habis. Jawaban dikumpulkan secara otomatis."
	case ErrAlreadySubmitted:
		return "Ujian sudah dikumpulkan."
	case ErrSubmitPending:
		return "Pengumpulan belum dikonfirmasi server. Jawaban aman di perangkat ini dan akan dikirim ulang."
	case ErrSaveBlocked:
		return "Jawaban ditolak server. Hubungi pengawas ujian."
	case ErrRemoteUnavailable:
		return "Server ujian tidak dapat dihubungi. Silakan coba lagi."
	case ErrRemoteRejected:
		return "Permintaan ditolak oleh server ujian."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
