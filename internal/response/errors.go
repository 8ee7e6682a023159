package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"
	ErrAssessmentRequired ErrCode = "ASSESSMENT_REQUIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden           ErrCode = "FORBIDDEN"
	ErrCandidateAccessOnly ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrProctorAccessOnly   ErrCode = "PROCTOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrUnknownAction  ErrCode = "UNKNOWN_ACTION"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Session-specific ──────────────────────────────────────────────
	ErrSessionActive    ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionNotActive ErrCode = "SESSION_NOT_ACTIVE"
	ErrAnswerRejected   ErrCode = "ANSWER_REJECTED"
	ErrNavigation       ErrCode = "NAVIGATION_REJECTED"
	ErrInvalidFrame     ErrCode = "INVALID_FRAME"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."
	case ErrAssessmentRequired:
		return "Token tidak terikat pada asesmen mana pun."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrCandidateAccessOnly:
		return "Sumber daya ini terbatas untuk peserta."
	case ErrProctorAccessOnly:
		return "Sumber daya ini terbatas untuk pengawas."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."
	case ErrUnknownAction:
		return "Aksi tidak dikenal."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."

	// ─── Session-specific ──────────────────────────────────────────────
	case ErrSessionActive:
		return "Sesi asesmen ini sudah terbuka di perangkat lain."
	case ErrSessionNotActive:
		return "Sesi asesmen tidak aktif."
	case ErrAnswerRejected:
		return "Jawaban ditolak."
	case ErrNavigation:
		return "Navigasi tidak diizinkan."
	case ErrInvalidFrame:
		return "Bingkai kamera tidak dapat dibaca."

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
