package middleware

import (
	"net/http"

	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/response"
	"github.com/gin-gonic/gin"
)

// RequireRole checks that the JWT belongs to a user with one of the given roles.
func RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}

		response.AbortFail(c, http.StatusForbidden, roleDeniedCode(roles))
	}
}

func roleDeniedCode(roles []model.Role) response.ErrCode {
	if len(roles) == 1 {
		switch roles[0] {
		case model.RoleStudent:
			return response.ErrStudentAccessOnly
		case model.RoleFaculty:
			return response.ErrFacultyAccessOnly
		}
	}
	return response.ErrForbidden
}
