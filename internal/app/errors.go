package app

import "formpilot/api/internal/apperr"

var (
	errMemberNotFound = apperr.NotFound("MEMBER_NOT_FOUND", "Member not found")
	errInviteNotFound = apperr.NotFound("INVITE_NOT_FOUND", "Invite not found")
)
