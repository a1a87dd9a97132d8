package auth

import "fmt"

// UserId extracts the authenticated subject from an API Gateway JWT
// authorizer context.
func UserId(authorizer map[string]interface{}) (string, error) {
	jwt, ok := authorizer["jwt"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("no jwt")
	}
	v, exists := jwt["claims"]
	if !exists {
		return "", fmt.Errorf("no authorizer claims")
	}
	claims, ok := v.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("claims must be of type map")
	}
	userId, ok := claims["sub"].(string)
	if !ok {
		return "", fmt.Errorf("invalid sub")
	}
	return userId, nil
}
