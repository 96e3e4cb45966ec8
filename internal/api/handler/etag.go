package handler

import (
	"fmt"
	"net/http"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/service"
)

// GenerateETag generates an ETag for a resource from its id and a version
// that changes on every write.
// Format: "<resource_type>-<id>-<version>"
func GenerateETag(resourceType, id, version string) string {
	return fmt.Sprintf(`"%s-%s-%s"`, resourceType, id, version)
}

// SetETagHeader sets the ETag header on the response.
func SetETagHeader(w http.ResponseWriter, resourceType, id, version string) {
	w.Header().Set("ETag", GenerateETag(resourceType, id, version))
}

// CheckIfMatch checks if the If-Match header matches the current ETag.
// Returns true if:
//   - No If-Match header is present (ETag checking is optional)
//   - The If-Match header matches the current ETag
//
// Returns false if the If-Match header is present but doesn't match.
func CheckIfMatch(r *http.Request, resourceType, id, version string) bool {
	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		return true
	}
	return ifMatch == "*" || ifMatch == GenerateETag(resourceType, id, version)
}

// changeRequestVersion changes whenever a ballot lands or the status moves.
func changeRequestVersion(req *domain.ChangeRequest) string {
	return fmt.Sprintf("%s.%d.%d", req.Status, req.VotesFor, req.VotesAgainst)
}

// SetChangeRequestETag sets the ETag of a change request.
func SetChangeRequestETag(w http.ResponseWriter, req *domain.ChangeRequest) {
	SetETagHeader(w, "request", req.ID, changeRequestVersion(req))
}

// CheckChangeRequestIfMatch reports whether the request still matches If-Match.
func CheckChangeRequestIfMatch(r *http.Request, req *domain.ChangeRequest) bool {
	return CheckIfMatch(r, "request", req.ID, changeRequestVersion(req))
}

// ifMatchGuard turns the request's If-Match header into a guard evaluated
// under the fight lock.
func ifMatchGuard(r *http.Request) []service.Guard {
	if r.Header.Get("If-Match") == "" {
		return nil
	}
	return []service.Guard{func(req *domain.ChangeRequest) error {
		if !CheckChangeRequestIfMatch(r, req) {
			return domain.ErrPreconditionFailed
		}
		return nil
	}}
}
