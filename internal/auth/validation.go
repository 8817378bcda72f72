package auth

import (
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/hitoshi/ssogate/internal/model"
)

var (
	mobilePattern  = regexp.MustCompile(`^\d{10}$`)
	pincodePattern = regexp.MustCompile(`^\d{6}$`)
)

// passwordSpecials はパスワードに1文字以上含める必要がある記号。
const passwordSpecials = "@$!%*?&"

// ValidatePassword はパスワードポリシーを検証する。
// 8文字以上で、英大文字・数字・記号（@$!%*?&）をそれぞれ1文字以上含むこと。
func ValidatePassword(password string) *model.APIError {
	if len(password) < 8 {
		return model.NewValidationError("Password must be at least 8 characters")
	}
	var upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	if !upper || !digit || !special {
		return model.NewValidationError("Password must contain at least 1 uppercase letter, 1 number, and 1 special character")
	}
	return nil
}

// ValidEmail はメールアドレスとして解釈できるかを返す。表示名付きの形式は受け付けない。
func ValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email[strings.LastIndex(email, "@"):], ".")
}

// ValidMobileNumber は10桁の携帯電話番号かどうかを返す。
func ValidMobileNumber(s string) bool {
	return mobilePattern.MatchString(s)
}

// ValidPincode は6桁の郵便番号かどうかを返す。
func ValidPincode(s string) bool {
	return pincodePattern.MatchString(s)
}

// RegisterInput はセルフ登録の入力。
type RegisterInput struct {
	FullName          string
	Email             string
	MobileNumber      string
	HsscID            string
	Password          string
	Role              model.Role
	InstituteName     string
	InstituteCategory model.InstituteCategory
	Pincode           string
	Gender            string
	DateOfBirth       string // YYYY-MM-DD
	AlternateEmail    string
	Address           string
}

// validate は入力を検証し、生年月日を解釈して返す。
// セルフ登録で選べるロールはSTUDENTとTEACHERのみで、管理者は create-admin コマンドで作成する。
func (in *RegisterInput) validate() (*time.Time, *model.APIError) {
	return in.validateRole(func(r model.Role) bool {
		return r == model.RoleStudent || r == model.RoleTeacher
	}, "Role must be STUDENT or TEACHER")
}

// ValidateForAdmin は管理者によるユーザー作成の入力を検証する。
// ロール以外の検証はセルフ登録と同じで、ロールはADMINを含む全ロールを選べる。
func (in *RegisterInput) ValidateForAdmin() (*time.Time, *model.APIError) {
	return in.validateRole(model.Role.Valid, "Unknown role")
}

func (in *RegisterInput) validateRole(roleOK func(model.Role) bool, roleMessage string) (*time.Time, *model.APIError) {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = model.NormalizeEmail(in.Email)
	in.HsscID = strings.TrimSpace(in.HsscID)
	in.InstituteName = strings.TrimSpace(in.InstituteName)
	in.AlternateEmail = strings.TrimSpace(in.AlternateEmail)

	switch {
	case len([]rune(in.FullName)) < 2:
		return nil, model.NewValidationError("Full name must be at least 2 characters")
	case !ValidEmail(in.Email):
		return nil, model.NewValidationError("Invalid email address")
	case !ValidMobileNumber(in.MobileNumber):
		return nil, model.NewValidationError("Mobile number must be 10 digits")
	case in.HsscID == "":
		return nil, model.NewValidationError("HSSC ID is required")
	}
	if apiErr := ValidatePassword(in.Password); apiErr != nil {
		return nil, apiErr
	}
	switch {
	case !roleOK(in.Role):
		return nil, model.NewValidationError(roleMessage)
	case in.InstituteName == "":
		return nil, model.NewValidationError("Institute name is required")
	case !in.InstituteCategory.Valid():
		return nil, model.NewValidationError("Institute category must be SCHOOL, COLLEGE, PRIVATE or INDUSTRY")
	case !ValidPincode(in.Pincode):
		return nil, model.NewValidationError("Pincode must be 6 digits")
	case in.AlternateEmail != "" && !ValidEmail(in.AlternateEmail):
		return nil, model.NewValidationError("Invalid alternate email address")
	}

	dob, apiErr := ParseDateOfBirth(in.DateOfBirth)
	if apiErr != nil {
		return nil, apiErr
	}
	return dob, nil
}

// ParseDateOfBirth はYYYY-MM-DD形式の生年月日を解釈する。空文字列はnilを返す。
func ParseDateOfBirth(s string) (*time.Time, *model.APIError) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, model.NewValidationError("Date of birth must be in YYYY-MM-DD format")
	}
	return &t, nil
}
