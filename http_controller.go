package didauth

import (
	"net/http"
	"net/url"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

// IdentityRoutes are the paths served by the identity controller
type IdentityRoutes struct {
	Register         string
	Login            string
	Refresh          string
	Identities       string
	Identity         string
	IdentityStatus   string
	FinalizeDeletion string
}

// DefaultIdentityRoutes mirror the public REST surface
func DefaultIdentityRoutes() *IdentityRoutes {
	return &IdentityRoutes{
		Register:         "/api/v1/auth/register",
		Login:            "/api/v1/auth/login",
		Refresh:          "/api/v1/auth/refresh",
		Identities:       "/api/v1/identities",
		Identity:         IdentityPathPrefix + ":did",
		IdentityStatus:   IdentityPathPrefix + ":did/status",
		FinalizeDeletion: FinalizeDeletionPathPrefix + ":did" + FinalizeDeletionPathSuffix,
	}
}

// RegisterIdentityRoutes mounts every identity route on app
func RegisterIdentityRoutes[T any](app router.Router[T], opts ...IdentityControllerOption) *IdentityController {
	controller := NewIdentityController(opts...)
	protected := controller.Auther.ProtectedRoute()
	internal := controller.Auther.InternalRoute()

	app.Post(controller.Routes.Register, controller.Register).
		SetName("auth.register")
	app.Post(controller.Routes.Login, controller.Login).
		SetName("auth.login")
	app.Post(controller.Routes.Refresh, controller.Refresh).
		SetName("auth.refresh")

	app.Get(controller.Routes.Identities, protected(controller.ListIdentities)).
		SetName("identities.list")
	app.Get(controller.Routes.IdentityStatus, controller.IdentityStatus).
		SetName("identities.status")
	app.Get(controller.Routes.Identity, protected(controller.GetIdentity)).
		SetName("identities.get")
	app.Put(controller.Routes.Identity, controller.UpdateIdentity).
		SetName("identities.update")
	app.Delete(controller.Routes.Identity, protected(controller.DeleteIdentity)).
		SetName("identities.delete")

	app.Post(controller.Routes.FinalizeDeletion, internal(controller.FinalizeDeletion)).
		SetName("internal.identities.finalize-deletion")

	return controller
}

// IdentityController serves the REST surface
type IdentityController struct {
	Debug   bool
	Logger  Logger
	Service AuthService
	Auther  *RouteAuthenticator
	Routes  *IdentityRoutes
}

type IdentityControllerOption func(*IdentityController) *IdentityController

// WithControllerService sets the service
func WithControllerService(service AuthService) IdentityControllerOption {
	return func(c *IdentityController) *IdentityController {
		c.Service = service
		return c
	}
}

// WithControllerAuthenticator sets the route authenticator
func WithControllerAuthenticator(auther *RouteAuthenticator) IdentityControllerOption {
	return func(c *IdentityController) *IdentityController {
		c.Auther = auther
		return c
	}
}

// WithControllerLogger overrides the logger
func WithControllerLogger(logger Logger) IdentityControllerOption {
	return func(c *IdentityController) *IdentityController {
		c.Logger = normalizeLogger(logger)
		return c
	}
}

// WithControllerDebug dumps request payloads to the debug log
func WithControllerDebug(debug bool) IdentityControllerOption {
	return func(c *IdentityController) *IdentityController {
		c.Debug = debug
		return c
	}
}

func NewIdentityController(opts ...IdentityControllerOption) *IdentityController {
	c := &IdentityController{
		Logger: defLogger{},
		Routes: DefaultIdentityRoutes(),
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Service == nil {
		panic("Missing AuthService in identity controller...")
	}

	if c.Auther == nil {
		panic("Missing RouteAuthenticator in identity controller...")
	}

	return c
}

// ChallengePayload is the signed challenge shared by register and login
type ChallengePayload struct {
	IdentityDID string `json:"identityDid"`
	Nonce       string `json:"nonce"`
	Timestamp   string `json:"timestamp"`
	Signature   string `json:"signature"`
}

// Validate will run validation rules
func (r ChallengePayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.IdentityDID, validation.Required, validation.Length(8, 512)),
		validation.Field(&r.Nonce, validation.Required, validation.Length(1, 256)),
		validation.Field(&r.Timestamp, validation.Required),
		validation.Field(&r.Signature, validation.Required),
	)
}

func (r ChallengePayload) challenge() SignedChallenge {
	return SignedChallenge{
		DID:       r.IdentityDID,
		Nonce:     r.Nonce,
		Timestamp: r.Timestamp,
		Signature: r.Signature,
	}
}

// RegisterPayload is the body of POST /auth/register
type RegisterPayload struct {
	ChallengePayload
	InstanceID        string `json:"instanceId"`
	ClaimCode         string `json:"claimCode"`
	ProfileName       string `json:"profileName"`
	ProfilePictureURL string `json:"profilePictureUrl"`
}

// Validate will run validation rules
func (r RegisterPayload) Validate() error {
	if err := r.ChallengePayload.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.InstanceID, validation.Length(0, 128)),
		validation.Field(&r.ProfileName, validation.Length(0, 200)),
		validation.Field(&r.ProfilePictureURL, validation.Length(0, 2048)),
	)
}

// RefreshPayload is the body of POST /auth/refresh
type RefreshPayload struct {
	RefreshToken string `json:"refreshToken"`
}

// Validate will run validation rules
func (r RefreshPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, validation.Required),
	)
}

// FinalizeDeletionPayload is sent by the deprovision script
type FinalizeDeletionPayload struct {
	Success      *bool  `json:"success"`
	ErrorDetails string `json:"errorDetails"`
}

// Validate will run validation rules
func (r FinalizeDeletionPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Success, validation.NotNil),
	)
}

func (a *IdentityController) Register(ctx router.Context) error {
	payload := new(RegisterPayload)
	if err := a.bind(ctx, payload); err != nil {
		return a.fail(ctx, err)
	}

	identity, err := a.Service.RegisterIdentity(ctx.Context(), RegisterRequest{
		SignedChallenge:   payload.challenge(),
		InstanceID:        payload.InstanceID,
		ClaimCode:         payload.ClaimCode,
		ProfileName:       payload.ProfileName,
		ProfilePictureURL: payload.ProfilePictureURL,
	})
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(http.StatusCreated, map[string]any{
		"identity": identity,
	})
}

func (a *IdentityController) Login(ctx router.Context) error {
	payload := new(ChallengePayload)
	if err := a.bind(ctx, payload); err != nil {
		return a.fail(ctx, err)
	}

	result, err := a.Service.LoginIdentity(ctx.Context(), payload.challenge())
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"identity":     result.Identity,
		"tokenDetails": result.Tokens,
	})
}

func (a *IdentityController) Refresh(ctx router.Context) error {
	payload := new(RefreshPayload)
	if err := a.bind(ctx, payload); err != nil {
		return a.fail(ctx, newError(ErrUnauthorized, map[string]any{"reason": "refresh token is required"}))
	}

	tokens, err := a.Service.RefreshAccessToken(ctx.Context(), payload.RefreshToken)
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"tokenDetails": tokens,
	})
}

func (a *IdentityController) ListIdentities(ctx router.Context) error {
	claims, ok := GetRouterClaims(ctx)
	if !ok {
		return a.fail(ctx, newError(ErrUnauthorized, nil))
	}
	if !claims.Admin() {
		return a.fail(ctx, newError(ErrForbidden, map[string]any{"reason": "admin only"}))
	}

	identities, err := a.Service.ListIdentities(ctx.Context())
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"identities": identities,
	})
}

func (a *IdentityController) GetIdentity(ctx router.Context) error {
	did, err := pathDID(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}

	claims, ok := GetRouterClaims(ctx)
	if !ok {
		return a.fail(ctx, newError(ErrUnauthorized, nil))
	}
	if !claims.Admin() && claims.DID() != did {
		return a.fail(ctx, newError(ErrForbidden, map[string]any{"did": did}))
	}

	identity, err := a.Service.GetIdentity(ctx.Context(), did)
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"identity": identity,
	})
}

func (a *IdentityController) IdentityStatus(ctx router.Context) error {
	did, err := pathDID(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}

	status, err := a.Service.IdentityStatus(ctx.Context(), did)
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, status)
}

func (a *IdentityController) UpdateIdentity(ctx router.Context) error {
	did, err := pathDID(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}

	// role first: nothing in the body is read for a forbidden caller
	role, err := a.Auther.ResolveRole(ctx, did)
	if err != nil {
		return a.fail(ctx, err)
	}

	fields := map[string]any{}
	if err := ctx.Bind(&fields); err != nil {
		return a.fail(ctx, wrapError(ErrBadRequest, err, map[string]any{"reason": "invalid body"}))
	}

	if a.Debug {
		a.Logger.Debug("update %s as %s: %s", did, role.Kind, print.MaybePrettyJSON(fields))
	}

	envelope := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}

	result, err := a.Service.UpdateIdentity(ctx.Context(), did, role, UpdateRequest{
		Fields:    fields,
		Nonce:     envelope(FieldNonce),
		Timestamp: envelope(FieldTimestamp),
		Signature: envelope(FieldSignature),
		ClaimCode: envelope(FieldClaimCode),
	})
	if err != nil {
		return a.fail(ctx, err)
	}

	body := map[string]any{
		"identity": result.Identity,
	}
	if result.Tokens != nil {
		body["tokenDetails"] = result.Tokens
	}
	return ctx.JSON(router.StatusOK, body)
}

func (a *IdentityController) DeleteIdentity(ctx router.Context) error {
	did, err := pathDID(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}

	claims, ok := GetRouterClaims(ctx)
	if !ok {
		return a.fail(ctx, newError(ErrUnauthorized, nil))
	}

	role, err := ResolveRole("", "", claims, did)
	if err != nil {
		return a.fail(ctx, err)
	}

	result, err := a.Service.DeleteIdentity(ctx.Context(), did, role)
	if err != nil {
		return a.fail(ctx, err)
	}

	if result.Accepted {
		return ctx.JSON(http.StatusAccepted, map[string]any{
			"accepted":       true,
			"instanceStatus": result.Identity.InstanceStatus,
		})
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"deleted": true,
	})
}

// FinalizeDeletion is mounted behind InternalRoute, only the deprovision
// script may report the outcome
func (a *IdentityController) FinalizeDeletion(ctx router.Context) error {
	did, err := pathDID(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}

	if role, ok := RoleFromContext(ctx.Context()); !ok || role.Kind != RoleInternal {
		return a.fail(ctx, newError(ErrForbidden, map[string]any{"did": did}))
	}

	payload := new(FinalizeDeletionPayload)
	if err := a.bind(ctx, payload); err != nil {
		return a.fail(ctx, err)
	}

	identity, err := a.Service.FinalizeDeletion(ctx.Context(), did, *payload.Success, payload.ErrorDetails)
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"identityDid":    did,
		"instanceStatus": identity.InstanceStatus,
	})
}

type validatable interface {
	Validate() error
}

func (a *IdentityController) bind(ctx router.Context, payload validatable) error {
	if err := ctx.Bind(payload); err != nil {
		return wrapError(ErrBadRequest, err, map[string]any{"reason": "invalid body"})
	}

	if a.Debug {
		a.Logger.Debug("payload: %s", print.MaybePrettyJSON(payload))
	}

	if err := payload.Validate(); err != nil {
		return wrapError(ErrBadRequest, err, map[string]any{
			"validation": FormatValidationErrorToMap(err),
		})
	}
	return nil
}

func (a *IdentityController) fail(ctx router.Context, err error) error {
	return WriteError(ctx, a.Logger, err)
}

// pathDID reads the :did parameter, undoing any percent encoding
func pathDID(ctx router.Context) (string, error) {
	raw := ctx.Param("did")
	did, err := url.PathUnescape(raw)
	if err != nil || did == "" {
		return "", newError(ErrBadRequest, map[string]any{"reason": "invalid did parameter"})
	}
	return did, nil
}

// FormatValidationErrorToMap flattens ozzo validation errors per field
func FormatValidationErrorToMap(err error) map[string]string {
	out := map[string]string{}
	if verrs, ok := err.(validation.Errors); ok {
		for field, ferr := range verrs {
			if ferr != nil {
				out[field] = ferr.Error()
			}
		}
		return out
	}
	if err != nil {
		out["_"] = err.Error()
	}
	return out
}
