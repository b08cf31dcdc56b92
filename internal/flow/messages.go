package flow

import "fmt"

const (
	msgInvalidPhone   = "⚠️ Kindly enter a valid 10-digit phone number."
	msgNotRegistered  = "❌ You are not registered. Would you like to register? (Yes/No)"
	msgCancelled      = "🚫 Registration cancelled. Start again with your number."
	msgRegistered     = "🎉 Registration complete! Welcome to FitnessBot 💪"
	msgVerified       = "✅ Verified! Resuming your chat session."
	msgWrongOTP       = "❌ Wrong OTP. Would you like to edit your number, resend the OTP or retry? (edit number / resend otp / retry)"
	msgEditNumber     = "🔄 Please enter your phone number again:"
	msgRetry          = "🔁 Please enter the OTP again:"
	msgMenu           = "⚠️ Please choose one of the options: edit number, resend otp or retry."
	msgHistoryLoaded  = "📜 Previous chat loaded. Now you can continue chatting."
	msgLoggedOut      = "👋 You have been logged out. Please enter a new phone number to start again."
	msgSessionProblem = "⚠️ Something went wrong with your session. Please try again."
	msgApology        = "😔 Sorry, I couldn't come up with a reply right now. Please try again."
)

func msgWelcomeBack(phone, echo string) string {
	return fmt.Sprintf("📱 Welcome back! Enter OTP sent to %s.%s", phone, devSuffix(echo))
}

func msgRegisterOTP(phone, echo string) string {
	return fmt.Sprintf("📱 Enter OTP sent to %s to complete registration.%s", phone, devSuffix(echo))
}

func msgResent(phone, echo string) string {
	return fmt.Sprintf("📱 A new OTP has been sent to %s.%s", phone, devSuffix(echo))
}

func msgEcho(message string) string {
	return fmt.Sprintf("🤖 FitnessBot: You said '%s'", message)
}

func devSuffix(echo string) string {
	if echo == "" {
		return ""
	}
	return fmt.Sprintf(" (Dev OTP: %s)", echo)
}
